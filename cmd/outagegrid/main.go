// Command outagegrid はアプリケーションの障害状況グリッドを提供するサーバー兼CLI。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/outagegrid/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
