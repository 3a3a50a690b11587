package main

import (
	"os"

	"github.com/alecthomas/kong"
)

// DocCmd renders the full command tree's help as markdown to stdout,
// useful for generating reference documentation from the CLI itself.
type DocCmd struct{}

func (c *DocCmd) Run(cctx *Context) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Description(description),
		kong.Writers(os.Stdout, os.Stderr),
		kong.Help(MarkdownHelpPrinter),
		kong.Exit(func(int) {}),
	)
	if err != nil {
		return err
	}

	// --help short-circuits before any command Run, so the only error
	// Parse can return here is the sentinel kong raises to unwind after
	// the help printer has already written its output.
	if _, err := parser.Parse([]string{"--help"}); err != nil {
		if _, ok := err.(*kong.ParseError); !ok {
			return err
		}
	}
	return nil
}
