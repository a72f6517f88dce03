package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/drpcorg/docswarm"
	"github.com/drpcorg/docswarm/network"
	"github.com/drpcorg/docswarm/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestREPL(t *testing.T) (*REPL, *bytes.Buffer) {
	log := utils.NewDefaultLogger(slog.LevelError)
	eng, err := docswarm.Open(context.Background(), docswarm.Options{Logger: log})
	require.NoError(t, err)
	n := &node{log: log, eng: eng, net: network.NewNet(log, nil, nil)}
	t.Cleanup(func() {
		_ = n.net.Close()
		_ = eng.Close()
	})
	out := &bytes.Buffer{}
	return &REPL{n: n, out: out}, out
}

// lastID picks the document id off the last printed doc line.
func lastID(t *testing.T, out *bytes.Buffer) string {
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	id, _ := cutWord(lines[len(lines)-1])
	require.Len(t, id, 64)
	return id
}

func TestREPL_Documents(t *testing.T) {
	repl, out := newTestREPL(t)
	ctx := context.Background()

	require.NoError(t, repl.Execute(ctx, `create {"title":"todo"}`))
	id := lastID(t, out)

	require.NoError(t, repl.Execute(ctx, "set "+id+` milk {"qty": 2}`))
	require.NoError(t, repl.Execute(ctx, "set "+id+" eggs 12"))
	require.NoError(t, repl.Execute(ctx, "del "+id+" eggs"))
	out.Reset()
	require.NoError(t, repl.Execute(ctx, "show "+id))
	assert.Equal(t, id+` {"milk":{"qty":2}}`+"\n", out.String())

	out.Reset()
	require.NoError(t, repl.Execute(ctx, "fork "+id))
	fork := lastID(t, out)
	assert.NotEqual(t, id, fork)
	require.NoError(t, repl.Execute(ctx, "set "+fork+` bread "rye"`))
	out.Reset()
	require.NoError(t, repl.Execute(ctx, "merge "+id+" "+fork))
	assert.Contains(t, out.String(), `"bread":"rye"`)

	out.Reset()
	require.NoError(t, repl.Execute(ctx, "docs"))
	assert.Contains(t, out.String(), id+" ready")
	assert.Contains(t, out.String(), fork+" ready")

	out.Reset()
	require.NoError(t, repl.Execute(ctx, "status "+id))
	assert.Contains(t, out.String(), `"ready": true`)

	require.NoError(t, repl.Execute(ctx, "msg "+id+` {"ping":1}`))
	require.NoError(t, repl.Execute(ctx, "delete "+fork))
	assert.Error(t, repl.Execute(ctx, "show "+fork))
}

func TestREPL_Usage(t *testing.T) {
	repl, out := newTestREPL(t)
	ctx := context.Background()

	assert.ErrorIs(t, repl.Execute(ctx, "set"), HelpSet)
	assert.ErrorIs(t, repl.Execute(ctx, "set abc key {bad"), HelpSet)
	assert.ErrorIs(t, repl.Execute(ctx, "merge abc"), HelpMerge)
	assert.ErrorIs(t, repl.Execute(ctx, "create [1,"), HelpCreate)
	assert.ErrorIs(t, repl.Execute(ctx, "msg"), HelpMessage)
	assert.ErrorContains(t, repl.Execute(ctx, "frobnicate"), "command unknown")
	assert.Equal(t, io.EOF, repl.Execute(ctx, "quit"))
	assert.NoError(t, repl.Execute(ctx, "   "))

	require.NoError(t, repl.Execute(ctx, "help"))
	assert.Contains(t, out.String(), HelpMerge.Error())
}

func TestREPL_Network(t *testing.T) {
	repl, out := newTestREPL(t)
	ctx := context.Background()

	require.NoError(t, repl.Execute(ctx, "peers"))
	assert.Equal(t, "no peers\n", out.String())

	out.Reset()
	require.NoError(t, repl.Execute(ctx, "listen tcp://127.0.0.1:0"))
	assert.Contains(t, out.String(), "listening on 127.0.0.1:")
	assert.Error(t, repl.Execute(ctx, "listen tcp://127.0.0.1:0"))
	assert.ErrorIs(t, repl.Execute(ctx, "connect"), HelpConnect)
	assert.ErrorIs(t, repl.Execute(ctx, "connect quic://host:1"), network.ErrAddressInvalid)
}
