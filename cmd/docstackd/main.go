package main

import (
	"log"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "docstackd"}

	root.AddCommand(serveCMD(), migrateCMD(), workerCMD())
	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}
