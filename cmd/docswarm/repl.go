package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ergochat/readline"
)

// REPL per se.
type REPL struct {
	n   *node
	rl  *readline.Instance
	out io.Writer
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("create"),
	readline.PcItem("open"),
	readline.PcItem("show"),
	readline.PcItem("set"),
	readline.PcItem("del"),
	readline.PcItem("fork"),
	readline.PcItem("merge"),
	readline.PcItem("delete"),
	readline.PcItem("docs"),
	readline.PcItem("status"),

	readline.PcItem("msg"),
	readline.PcItem("listen"),
	readline.PcItem("connect"),
	readline.PcItem("peers"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open(history string) (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     history,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.out = repl.rl
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

// REPL reads and runs one command. io.EOF means the session is over.
func (repl *REPL) REPL(ctx context.Context) error {
	line, err := repl.rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) && len(line) != 0 {
		return nil
	}
	if err != nil {
		return err
	}
	return repl.Execute(ctx, line)
}

// Execute runs one command line.
func (repl *REPL) Execute(ctx context.Context, line string) (err error) {
	cmd, rest := cutWord(strings.TrimSpace(line))
	switch cmd {
	case "":
	case "help":
		err = repl.CommandHelp()
	case "exit", "quit":
		err = io.EOF
	// ----- documents -----
	case "create":
		err = repl.CommandCreate(ctx, rest)
	case "open":
		err = repl.CommandOpen(ctx, rest)
	case "show", "cat":
		err = repl.CommandShow(rest)
	case "set":
		err = repl.CommandSet(ctx, rest)
	case "del":
		err = repl.CommandDel(ctx, rest)
	case "fork":
		err = repl.CommandFork(ctx, rest)
	case "merge":
		err = repl.CommandMerge(ctx, rest)
	case "delete":
		err = repl.CommandDelete(ctx, rest)
	case "docs", "ls", "list":
		err = repl.CommandDocs()
	case "status":
		err = repl.CommandStatus(rest)
	// ----- networking -----
	case "msg":
		err = repl.CommandMessage(ctx, rest)
	case "listen":
		err = repl.CommandListen(rest)
	case "connect":
		err = repl.CommandConnect(rest)
	case "peers":
		err = repl.CommandPeers()
	default:
		err = fmt.Errorf("command unknown: %s", cmd)
	}
	return
}

func (repl *REPL) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(repl.out, format, args...)
}

// cutWord splits off the first whitespace separated word.
func cutWord(line string) (word, rest string) {
	i := strings.IndexAny(line, " \t\r\n")
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i:])
}
