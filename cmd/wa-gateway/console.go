// ABOUTME: Terminal feedback while serving: pairing QR codes and session changes
// ABOUTME: Follows the lifecycle controller and draws each new QR code inline

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/mdp/qrterminal/v3"

	"github.com/2389/wa-gateway/internal/lifecycle"
	"github.com/2389/wa-gateway/internal/session"
	"github.com/2389/wa-gateway/internal/transport"
)

// changeSource is the part of the lifecycle controller the console follows.
type changeSource interface {
	Subscribe(ctx context.Context) (<-chan lifecycle.Change, string)
	Snapshot() session.Snapshot
}

// startConsole subscribes to src before returning, so no change applied
// afterwards is missed, and prints changes to w in the background until ctx
// ends or the controller closes. The returned channel closes when it stops.
func startConsole(ctx context.Context, src changeSource, w io.Writer) <-chan struct{} {
	changes, _ := src.Subscribe(ctx)
	snap := src.Snapshot()

	done := make(chan struct{})
	go func() {
		defer close(done)
		watchConsole(snap, changes, w)
	}()
	return done
}

// watchConsole draws the pairing code already on offer in snap, then prints
// each change. A code is drawn once even if it also arrives as a change.
func watchConsole(snap session.Snapshot, changes <-chan lifecycle.Change, w io.Writer) {
	var shown string
	if snap.PairingAvailable {
		printChange(w, lifecycle.Change{Event: transport.PairingIssued(snap.Artifact)})
		shown = snap.Artifact
	}
	for change := range changes {
		if change.Event.Kind == transport.EventPairingIssued && change.Event.Artifact == shown {
			continue
		}
		if change.Event.Kind == transport.EventPairingIssued {
			shown = change.Event.Artifact
		}
		printChange(w, change)
	}
}

func printChange(w io.Writer, change lifecycle.Change) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	ev := change.Event
	switch ev.Kind {
	case transport.EventPairingIssued:
		fmt.Fprintln(w)
		yellow.Fprintln(w, "    Scan this QR code with WhatsApp (Linked devices > Link a device):")
		fmt.Fprintln(w)
		qrterminal.GenerateHalfBlock(ev.Artifact, qrterminal.L, w)
		fmt.Fprintln(w)
	case transport.EventAuthenticated:
		green.Fprintln(w, "    ✓ Authenticated")
	case transport.EventReady:
		if ev.Identity == nil {
			return
		}
		green.Fprint(w, "    ✓ Connected as ")
		fmt.Fprintf(w, "%s", ev.Identity.Address)
		if ev.Identity.Name != "" {
			fmt.Fprintf(w, " (%s)", ev.Identity.Name)
		}
		fmt.Fprintln(w)
	case transport.EventDisconnected:
		yellow.Fprintf(w, "    ! Disconnected: %s\n", ev.Reason)
	case transport.EventAuthFailure:
		red.Fprintf(w, "    ✗ Authentication failed: %s\n", ev.Reason)
	}
}
