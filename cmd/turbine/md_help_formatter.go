package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
)

// MarkdownHelpPrinter is a kong.HelpPrinter that formats help output as markdown.
func MarkdownHelpPrinter(options kong.HelpOptions, ctx *kong.Context) error {
	w := ctx.Stdout
	if w == nil {
		w = io.Discard
	}

	root := ctx.Model.Node

	fmt.Fprintf(w, "# %s\n\n", ctx.Model.Name)
	if root.Help != "" && !options.NoAppSummary {
		fmt.Fprintf(w, "%s\n\n", root.Help)
	}

	printGlobalFlags(w, ctx)

	fmt.Fprintf(w, "## Commands\n\n")
	printCommands(w, ctx, root, ctx.Model.Name, 2)

	return nil
}

func printGlobalFlags(w io.Writer, ctx *kong.Context) {
	var globalFlags []*kong.Flag
	for _, flag := range ctx.Model.Flags {
		if !flag.Hidden && flag.Group == nil {
			globalFlags = append(globalFlags, flag)
		}
	}

	if len(globalFlags) > 0 {
		fmt.Fprintf(w, "## Global Flags\n\n")
		for _, flag := range globalFlags {
			printFlag(w, flag)
		}
		fmt.Fprintf(w, "\n")
	}
}

func printCommands(w io.Writer, ctx *kong.Context, node *kong.Node, prefix string, level int) {
	for _, child := range node.Children {
		if child.Hidden || child.Type != kong.CommandNode {
			continue
		}

		cmdPath := prefix + " " + child.Name
		heading := strings.Repeat("#", level)

		fmt.Fprintf(w, "%s `%s`\n\n", heading, cmdPath)

		if child.Help != "" {
			fmt.Fprintf(w, "%s\n\n", child.Help)
		}

		usage := buildUsage(cmdPath, child)
		fmt.Fprintf(w, "**Usage:**\n\n```\n%s\n```\n\n", usage)

		if len(child.Flags) > 0 {
			fmt.Fprintf(w, "**Flags:**\n\n")
			for _, flag := range child.Flags {
				if !flag.Hidden {
					printFlag(w, flag)
				}
			}
			fmt.Fprintf(w, "\n")
		}

		if len(child.Children) > 0 {
			printCommands(w, ctx, child, cmdPath, level+1)
		}
	}
}

func printFlag(w io.Writer, flag *kong.Flag) {
	var flagSig strings.Builder
	if flag.Short != 0 {
		flagSig.WriteString(fmt.Sprintf("`-%c", flag.Short))
		if flag.Name != "" {
			flagSig.WriteString(fmt.Sprintf(", --%s", flag.Name))
		}
		flagSig.WriteString("`")
	} else {
		flagSig.WriteString(fmt.Sprintf("`--%s`", flag.Name))
	}

	if !flag.IsBool() {
		flagSig.WriteString(fmt.Sprintf(" _%s_", flag.FormatPlaceHolder()))
	}

	fmt.Fprintf(w, "- %s", flagSig.String())

	if flag.Help != "" {
		fmt.Fprintf(w, " - %s", flag.Help)
	}

	if flag.Default != "" {
		fmt.Fprintf(w, " (default: `%s`)", flag.Default)
	}

	fmt.Fprintf(w, "\n")
}

func buildUsage(cmdPath string, node *kong.Node) string {
	usage := cmdPath

	if len(node.Flags) > 0 {
		usage += " [flags]"
	}

	for _, arg := range node.Positional {
		argName := strings.ToUpper(arg.Name)
		if arg.Required {
			usage += fmt.Sprintf(" <%s>", argName)
		} else {
			usage += fmt.Sprintf(" [%s]", argName)
		}
		if arg.Passthrough {
			usage += "..."
		}
	}

	return usage
}
