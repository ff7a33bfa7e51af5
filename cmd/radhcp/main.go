package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	"github.com/rs/zerolog/log"

	"github.com/a-light-win/radhcp/pkg/logger"
)

var Cli struct {
	Config kong.ConfigFlag `help:"Load configuration from a file"`

	LogLevel  logger.LogLevel  `enum:"trace,debug,info,warn,error,fatal" help:"Set the log level" default:"info"`
	LogFormat logger.LogFormat `enum:"json,console" help:"Set the log output format" default:"json"`

	Version VersionCmd `cmd:"" help:"Print the version of radhcp"`
	Serve   ServeCmd   `cmd:"" help:"Track DHCP transactions on live interfaces"`
	Read    ReadCmd    `cmd:"" help:"Replay capture files and search the lease history they leave"`
}

func main() {
	ctx := kong.Parse(&Cli, kong.Configuration(kongyaml.Loader, "/etc/radhcp/config.yaml"))
	if err := logger.InitLogger(Cli.LogLevel, Cli.LogFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := ctx.Run(); err != nil {
		log.Error().Err(err).Msg("radhcp exited with error")
		os.Exit(1)
	}
}
