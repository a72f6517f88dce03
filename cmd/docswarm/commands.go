package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/drpcorg/docswarm/crdt"
)

var (
	HelpCreate  = errors.New("create [{\"title\":\"metadata\"}]")
	HelpOpen    = errors.New("open <doc>")
	HelpShow    = errors.New("show <doc>")
	HelpSet     = errors.New("set <doc> <key> <json>")
	HelpDel     = errors.New("del <doc> <key>")
	HelpFork    = errors.New("fork <doc>")
	HelpMerge   = errors.New("merge <dst> <src>")
	HelpDelete  = errors.New("delete <doc>")
	HelpStatus  = errors.New("status <doc>")
	HelpMessage = errors.New("msg <actor> <json>")
	HelpListen  = errors.New("listen tcp://:7700")
	HelpConnect = errors.New("connect tcp://host:7700")
)

var helpLines = []string{
	HelpCreate.Error(),
	HelpOpen.Error(),
	HelpShow.Error(),
	HelpSet.Error(),
	HelpDel.Error(),
	HelpFork.Error(),
	HelpMerge.Error(),
	HelpDelete.Error(),
	"docs",
	HelpStatus.Error(),
	HelpMessage.Error(),
	HelpListen.Error(),
	HelpConnect.Error(),
	"peers",
	"quit",
}

func (repl *REPL) printDoc(id string, d *crdt.Doc) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	repl.printf("%s %s\n", id, raw)
	return nil
}

func (repl *REPL) CommandCreate(ctx context.Context, arg string) error {
	var meta map[string]any
	if arg != "" {
		if err := json.Unmarshal([]byte(arg), &meta); err != nil {
			return HelpCreate
		}
	}
	d, err := repl.n.eng.Create(ctx, meta)
	if err != nil {
		return err
	}
	return repl.printDoc(d.Actor(), d)
}

func (repl *REPL) CommandOpen(ctx context.Context, arg string) error {
	id, _ := cutWord(arg)
	if id == "" {
		return HelpOpen
	}
	if err := repl.n.eng.OpenDocument(ctx, id); err != nil {
		return err
	}
	repl.printf("%s opened\n", id)
	return nil
}

func (repl *REPL) CommandShow(arg string) error {
	id, _ := cutWord(arg)
	if id == "" {
		return HelpShow
	}
	d, err := repl.n.eng.Find(id)
	if err != nil {
		return err
	}
	return repl.printDoc(id, d)
}

func (repl *REPL) CommandSet(ctx context.Context, arg string) error {
	id, rest := cutWord(arg)
	key, value := cutWord(rest)
	if id == "" || key == "" || !json.Valid([]byte(value)) {
		return HelpSet
	}
	d, err := repl.n.eng.Change(ctx, id, "set "+key, func(m *crdt.Map) error {
		return m.Set(key, json.RawMessage(value))
	})
	if err != nil {
		return err
	}
	return repl.printDoc(id, d)
}

func (repl *REPL) CommandDel(ctx context.Context, arg string) error {
	id, key := cutWord(arg)
	if id == "" || key == "" {
		return HelpDel
	}
	d, err := repl.n.eng.Change(ctx, id, "del "+key, func(m *crdt.Map) error {
		m.Delete(key)
		return nil
	})
	if err != nil {
		return err
	}
	return repl.printDoc(id, d)
}

func (repl *REPL) CommandFork(ctx context.Context, arg string) error {
	id, _ := cutWord(arg)
	if id == "" {
		return HelpFork
	}
	d, err := repl.n.eng.Fork(ctx, id)
	if err != nil {
		return err
	}
	return repl.printDoc(d.Actor(), d)
}

func (repl *REPL) CommandMerge(ctx context.Context, arg string) error {
	dst, rest := cutWord(arg)
	src, _ := cutWord(rest)
	if dst == "" || src == "" {
		return HelpMerge
	}
	d, err := repl.n.eng.Merge(ctx, dst, src)
	if err != nil {
		return err
	}
	return repl.printDoc(dst, d)
}

func (repl *REPL) CommandDelete(ctx context.Context, arg string) error {
	id, _ := cutWord(arg)
	if id == "" {
		return HelpDelete
	}
	if err := repl.n.eng.Delete(ctx, id); err != nil {
		return err
	}
	repl.printf("%s deleted\n", id)
	return nil
}

func (repl *REPL) CommandDocs() error {
	for _, id := range repl.n.eng.Docs() {
		ready := "loading"
		if st, err := repl.n.eng.Status(id); err == nil && st.Ready {
			ready = "ready"
		}
		repl.printf("%s %s\n", id, ready)
	}
	return nil
}

func (repl *REPL) CommandStatus(arg string) error {
	id, _ := cutWord(arg)
	if id == "" {
		return HelpStatus
	}
	st, err := repl.n.eng.Status(id)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	repl.printf("%s\n", raw)
	return nil
}

func (repl *REPL) CommandMessage(ctx context.Context, arg string) error {
	actor, payload := cutWord(arg)
	if actor == "" || !json.Valid([]byte(payload)) {
		return HelpMessage
	}
	return repl.n.eng.Message(ctx, actor, json.RawMessage(payload))
}

func (repl *REPL) CommandListen(arg string) error {
	addr, _ := cutWord(arg)
	if addr == "" {
		return HelpListen
	}
	if err := repl.n.net.Listen(addr); err != nil {
		return err
	}
	if bound, ok := repl.n.net.ListenAddr(addr); ok {
		repl.printf("listening on %s\n", bound)
	}
	return nil
}

func (repl *REPL) CommandConnect(arg string) error {
	addr, _ := cutWord(arg)
	if addr == "" {
		return HelpConnect
	}
	if err := repl.n.net.Connect(addr); err != nil {
		return err
	}
	repl.printf("connecting to %s\n", addr)
	return nil
}

func (repl *REPL) CommandPeers() error {
	peers := repl.n.net.Peers()
	if len(peers) == 0 {
		repl.printf("no peers\n")
		return nil
	}
	stats := repl.n.net.GetStats()
	for _, name := range peers {
		repl.printf("%s\tread buffer %d\twrite batch %d\n",
			name, stats.ReadBuffers[name], stats.WriteBatches[name])
	}
	return nil
}

func (repl *REPL) CommandHelp() error {
	_, err := fmt.Fprintln(repl.out, strings.Join(helpLines, "\n"))
	return err
}
