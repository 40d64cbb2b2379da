package session

import (
	"context"

	"github.com/nuttxapps/voicert/pkg/capture"
	"github.com/nuttxapps/voicert/pkg/voiceplugin"
)

type commandKind int

const (
	cmdSetListener commandKind = iota
	cmdStart
	cmdFinish
	cmdCancel
	cmdClose

	// Internal-only kinds: never submitted by the public API, used to
	// marshal callbacks from engine/capture goroutines back onto the
	// engine loop so session state only ever mutates from one goroutine.
	cmdEngineEvent
	cmdCaptureDisrupted
	cmdTeardownComplete
)

// command is the single message type carried on engineQueue. Only the
// fields relevant to kind are populated.
type command struct {
	kind commandKind

	// cmdStart
	ctx  context.Context
	hint voiceplugin.AudioHint

	// cmdSetListener
	listener func(voiceplugin.Event)

	// cmdEngineEvent
	event voiceplugin.Event

	// cmdCaptureDisrupted
	disruptReason capture.DisruptReason
	disruptErr    error
}
