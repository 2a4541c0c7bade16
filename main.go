package main

import "github.com/zfonlyone/tg-export/cmd"

func main() {
	cmd.Execute()
}
