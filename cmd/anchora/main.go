// Copyright 2026 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command anchora is the CLI for the Anchora answering service.
//
// Usage:
//
//	anchora serve --config anchora.yaml
//	anchora ask --config anchora.yaml "what is the travel policy?"
//	anchora validate anchora.yaml
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/anchora"
	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Start the answering service."`
	Ask      AskCmd      `cmd:"" help:"Ask a question against the configured index."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text, json)." default:"text"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(anchora.GetVersion().String())
	return nil
}

// logFlagsAtDefaults reports whether the user left the logging flags alone,
// in which case the config file's logger block wins.
func (cli *CLI) logFlagsAtDefaults() bool {
	return cli.LogLevel == "info" && cli.LogFormat == "text"
}

func main() {
	_ = config.LoadDotEnv()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("anchora"),
		kong.Description("Anchora - grounded question answering over your document index"),
		kong.UsageOnError(),
	)

	cleanup, err := logger.InitFromConfig(logger.Config{
		Level:  cli.LogLevel,
		Format: cli.LogFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
