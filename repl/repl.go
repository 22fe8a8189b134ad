// Package repl is an interactive shell over a simulated channel: attach
// clients, publish operations and inspect every client's replica.
package repl

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/drpcorg/liveobjects/channel"
	"github.com/drpcorg/liveobjects/store"
	"github.com/ergochat/readline"
)

// REPL per se.
type REPL struct {
	Channel *channel.Channel
	// Store backs the save and stored commands; nil disables them.
	Store *store.Store
	Out   io.Writer

	rl *readline.Instance
}

var ErrUnknownCommand = errors.New("repl: unknown command")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("attach"),
	readline.PcItem("detach"),
	readline.PcItem("clients"),
	readline.PcItem("resync"),
	readline.PcItem("digest"),

	readline.PcItem("root"),
	readline.PcItem("show"),

	readline.PcItem("newmap"),
	readline.PcItem("newcounter"),
	readline.PcItem("set"),
	readline.PcItem("ref"),
	readline.PcItem("remove"),
	readline.PcItem("inc"),
	readline.PcItem("delete"),

	readline.PcItem("save"),
	readline.PcItem("stored"),

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

func New(ch *channel.Channel, st *store.Store) *REPL {
	return &REPL{Channel: ch, Store: st, Out: os.Stdout}
}

func (repl *REPL) Open(historyFile string) (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          repl.Channel.Name() + "> ",
		HistoryFile:     historyFile,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
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

// Run reads and executes lines until exit or EOF.
func (repl *REPL) Run() error {
	for {
		line, err := repl.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) != 0 {
				continue
			}
			return nil
		}
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}
		err = repl.Execute(line)
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			_, _ = fmt.Fprintf(repl.Out, "%s\n", err.Error())
		}
	}
}

// Execute runs one command line. exit and quit return io.EOF.
func (repl *REPL) Execute(line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "help":
		return repl.CommandHelp(args)
	// ----- clients -----
	case "attach":
		return repl.CommandAttach(args)
	case "detach":
		return repl.CommandDetach(args)
	case "clients":
		return repl.CommandClients(args)
	case "resync":
		return repl.CommandResync(args)
	case "digest":
		return repl.CommandDigest(args)
	// ----- inspection -----
	case "root":
		return repl.CommandRoot(args)
	case "show":
		return repl.CommandShow(args)
	// ----- operations -----
	case "newmap":
		return repl.CommandNewMap(args)
	case "newcounter":
		return repl.CommandNewCounter(args)
	case "set":
		return repl.CommandSet(line)
	case "ref":
		return repl.CommandRef(args)
	case "remove":
		return repl.CommandRemove(args)
	case "inc":
		return repl.CommandInc(args)
	case "delete":
		return repl.CommandDelete(args)
	// ----- storage -----
	case "save":
		return repl.CommandSave(args)
	case "stored":
		return repl.CommandStored(args)
	case "exit", "quit":
		return io.EOF
	}
	return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
}
