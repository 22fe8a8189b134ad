package repl

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/drpcorg/liveobjects"
	"github.com/drpcorg/liveobjects/channel"
	"github.com/drpcorg/liveobjects/objects"
	"github.com/drpcorg/liveobjects/protocol"
)

var (
	HelpAttach     = errors.New("attach <client>")
	HelpDetach     = errors.New("detach <client>")
	HelpResync     = errors.New("resync <client>")
	HelpRoot       = errors.New("root <client>")
	HelpShow       = errors.New("show <client> <objectId>")
	HelpNewMap     = errors.New("newmap <map:id>")
	HelpNewCounter = errors.New("newcounter <counter:id> [count]")
	HelpSet        = errors.New("set <mapId> <key> <json value>")
	HelpRef        = errors.New("ref <mapId> <key> <objectId>")
	HelpRemove     = errors.New("remove <mapId> <key>")
	HelpInc        = errors.New("inc <counterId> <amount>")
	HelpDelete     = errors.New("delete <objectId>")
	HelpSave       = errors.New("save <client>")

	ErrNoStore     = errors.New("repl: no store, run with --db")
	ErrNoSuchValue = errors.New("repl: null is not a map value")
)

var helps = []error{
	HelpAttach, HelpDetach, HelpResync, HelpRoot, HelpShow,
	HelpNewMap, HelpNewCounter, HelpSet, HelpRef, HelpRemove, HelpInc, HelpDelete,
	HelpSave, errors.New("stored"), errors.New("clients"), errors.New("digest"), errors.New("exit"),
}

func (repl *REPL) CommandHelp(args []string) error {
	for _, h := range helps {
		_, _ = fmt.Fprintln(repl.Out, h.Error())
	}
	return nil
}

func (repl *REPL) CommandAttach(args []string) error {
	if len(args) != 1 {
		return HelpAttach
	}
	client, err := repl.Channel.Attach(args[0])
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(repl.Out, "%s attached, %d objects\n", args[0], len(client.States()))
	return nil
}

func (repl *REPL) CommandDetach(args []string) error {
	if len(args) != 1 {
		return HelpDetach
	}
	return repl.Channel.Detach(args[0])
}

func (repl *REPL) CommandClients(args []string) error {
	for _, name := range repl.Channel.Clients() {
		client, _ := repl.Channel.Client(name)
		_, _ = fmt.Fprintf(repl.Out, "%s\tsynced=%v\n", name, client.IsSynced())
	}
	return nil
}

func (repl *REPL) CommandResync(args []string) error {
	if len(args) != 1 {
		return HelpResync
	}
	return repl.Channel.Resync(args[0])
}

// CommandDigest prints a state digest of the channel and of every client.
func (repl *REPL) CommandDigest(args []string) error {
	sum, err := channel.Digest(repl.Channel.Authority())
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(repl.Out, "*\t%016x\n", sum)
	for _, name := range repl.Channel.Clients() {
		client, _ := repl.Channel.Client(name)
		if sum, err = channel.Digest(client); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(repl.Out, "%s\t%016x\n", name, sum)
	}
	return nil
}

func (repl *REPL) client(name string) (*liveobjects.Objects, error) {
	client, ok := repl.Channel.Client(name)
	if !ok {
		return nil, channel.ErrUnknownClient
	}
	return client, nil
}

func (repl *REPL) CommandRoot(args []string) error {
	if len(args) != 1 {
		return HelpRoot
	}
	return repl.show(args[0], objects.RootObjectID)
}

func (repl *REPL) CommandShow(args []string) error {
	if len(args) != 2 {
		return HelpShow
	}
	return repl.show(args[0], args[1])
}

func (repl *REPL) show(name, objectID string) error {
	client, err := repl.client(name)
	if err != nil {
		return err
	}
	obj, ok := client.Object(objectID)
	if !ok {
		return fmt.Errorf("repl: %s has no object %s", name, objectID)
	}
	_, _ = fmt.Fprintln(repl.Out, Render(obj))
	return nil
}

func (repl *REPL) publish(ops ...protocol.ObjectOperation) error {
	msgs, err := repl.Channel.Publish(ops...)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		_, _ = fmt.Fprintf(repl.Out, "%s %s %s\n", msg.Serial, msg.Operation.Action, msg.Operation.ObjectID)
	}
	return nil
}

func (repl *REPL) CommandNewMap(args []string) error {
	if len(args) != 1 {
		return HelpNewMap
	}
	return repl.publish(channel.MapCreate(args[0], nil))
}

func (repl *REPL) CommandNewCounter(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return HelpNewCounter
	}
	count := 0.0
	if len(args) == 2 {
		var err error
		if count, err = strconv.ParseFloat(args[1], 64); err != nil {
			return HelpNewCounter
		}
	}
	return repl.publish(channel.CounterCreate(args[0], count))
}

// CommandSet takes the raw line so that the value may contain spaces.
func (repl *REPL) CommandSet(line string) error {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return HelpSet
	}
	rest := strings.TrimSpace(line)
	for _, field := range fields[:3] {
		rest = strings.TrimSpace(rest[len(field):])
	}
	data, err := ParseValue(rest)
	if err != nil {
		return err
	}
	return repl.publish(channel.MapSet(fields[1], fields[2], data))
}

// ParseValue reads a JSON value into map data; text that is not JSON is
// taken as a plain string.
func ParseValue(text string) (data protocol.ObjectData, err error) {
	var v any
	if json.Unmarshal([]byte(text), &v) != nil {
		return protocol.ObjectData{String: protocol.String(text)}, nil
	}
	switch t := v.(type) {
	case string:
		data.String = &t
	case float64:
		data.Number = &t
	case bool:
		data.Boolean = &t
	case map[string]any, []any:
		data.JSON = t
	default:
		err = ErrNoSuchValue
	}
	return
}

func (repl *REPL) CommandRef(args []string) error {
	if len(args) != 3 {
		return HelpRef
	}
	return repl.publish(channel.MapSet(args[0], args[1], protocol.ObjectData{ObjectID: args[2]}))
}

func (repl *REPL) CommandRemove(args []string) error {
	if len(args) != 2 {
		return HelpRemove
	}
	return repl.publish(channel.MapRemove(args[0], args[1]))
}

func (repl *REPL) CommandInc(args []string) error {
	if len(args) != 2 {
		return HelpInc
	}
	amount, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return HelpInc
	}
	return repl.publish(channel.CounterInc(args[0], amount))
}

func (repl *REPL) CommandDelete(args []string) error {
	if len(args) != 1 {
		return HelpDelete
	}
	return repl.publish(channel.Delete(args[0]))
}

func (repl *REPL) CommandSave(args []string) error {
	if len(args) != 1 {
		return HelpSave
	}
	if repl.Store == nil {
		return ErrNoStore
	}
	client, err := repl.client(args[0])
	if err != nil {
		return err
	}
	states := client.States()
	if err := repl.Store.Replace(states); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(repl.Out, "%d objects saved\n", len(states))
	return nil
}

func (repl *REPL) CommandStored(args []string) error {
	if repl.Store == nil {
		return ErrNoStore
	}
	states, err := repl.Store.Load()
	if err != nil {
		return err
	}
	for _, state := range states {
		_, _ = fmt.Fprintf(repl.Out, "%s\ttombstone=%v\tsites=%d\n", state.ObjectID, state.Tombstone, len(state.SiteTimeserials))
	}
	return nil
}
