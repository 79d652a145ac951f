package main

import "github.com/m417z/winbindex-go/cmd/winbindex"

func main() {
	cmd.Execute()
}
