package main

import (
	"os"

	"github.com/ersilia-os/ersilia-hub-sub000/cmd/orchestrator/cmd"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
