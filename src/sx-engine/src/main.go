package main

import "github.com/parlakisik/service-exchange/src/sx-engine/internal/cli"

var version = "dev"

func main() {
	cli.Execute(version)
}
