package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sumnex/voicecall/internal/call"
	trmock "github.com/sumnex/voicecall/internal/transport/mock"
	audiomock "github.com/sumnex/voicecall/pkg/audio/mock"
	"github.com/sumnex/voicecall/pkg/types"
)

func TestReadCommands_SendFailuresAreNotPrinted(t *testing.T) {
	tr := &trmock.Transport{SendTextErr: errors.New("write: broken pipe")}
	sess, err := call.New(types.CallConfig{UserID: "u-1"}, call.Deps{
		Device:    &audiomock.Device{},
		Transport: tr,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sess.StartCall(t.Context()); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	t.Cleanup(sess.EndCall)

	var out bytes.Buffer
	ctx, hangup := context.WithCancel(t.Context())
	defer hangup()
	if err := readCommands(ctx, strings.NewReader("hello\nare you there?\n"), &out, sess, hangup); err != nil {
		t.Fatalf("readCommands: %v", err)
	}
	if n := tr.TextCount(); n != 2 {
		t.Errorf("texts sent = %d, want 2", n)
	}
	if out.Len() != 0 {
		t.Errorf("transient send failures printed: %q", out.String())
	}

	sess.EndCall()
	out.Reset()
	ctx, hangup = context.WithCancel(t.Context())
	defer hangup()
	if err := readCommands(ctx, strings.NewReader("hello\n"), &out, sess, hangup); err != nil {
		t.Fatalf("readCommands: %v", err)
	}
	if !strings.Contains(out.String(), call.ErrTransportNotReady.Error()) {
		t.Errorf("output = %q, want the not-ready error", out.String())
	}
}
