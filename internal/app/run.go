// Package app wires the stores, controller, bridge and interactive prompt
// into a running process.
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/petervdpas/peerline/internal/call"
	"github.com/petervdpas/peerline/internal/chat"
	"github.com/petervdpas/peerline/internal/chatlog"
	"github.com/petervdpas/peerline/internal/config"
	"github.com/petervdpas/peerline/internal/media"
	"github.com/petervdpas/peerline/internal/session"
)

// Options are the command-line overrides applied on top of the config file.
type Options struct {
	ConfigPath string
	Nickname   string
	MongoURI   string
}

// Run boots the application and blocks until the prompt exits.
func Run(opts Options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Nickname != "" {
		cfg.Identity.Nickname = opts.Nickname
	}
	if opts.MongoURI != "" {
		cfg.Store.MongoURI = opts.MongoURI
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	clog, err := chatlog.Open(cfg.Paths.DataDir)
	if err != nil {
		return fmt.Errorf("open chat log: %w", err)
	}
	defer clog.Close()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(ctx); err != nil {
			log.Printf("APP: close store: %v", err)
		}
	}()

	waitingTimeout := time.Duration(cfg.Call.WaitingTimeoutSec) * time.Second
	ctrl, err := call.NewController(call.Config{
		UID:      cfg.Identity.UID,
		Nickname: cfg.Identity.Nickname,
		Store:    store,
		NewTransport: func() media.Transport {
			return media.NewPionTransport(media.Config{
				StunURLs: cfg.Media.StunURLs,
				Capture:  cfg.Media.Capture,
			})
		},
		WaitingTimeout: waitingTimeout,
	})
	if err != nil {
		return err
	}
	ctrl.Start()
	defer ctrl.Close()

	bridge := chat.NewBridge(cfg.Identity.UID, clog)

	updates, cancel := ctrl.Attach()
	defer cancel()
	go bindBridge(ctrl, bridge, updates)

	log.Printf("APP: ready as %s (%s)", cfg.Identity.Nickname, cfg.Identity.UID)
	return runPrompt(ctrl, bridge, clog, cfg.Identity.UID)
}

func openStore(cfg *config.Config) (session.Store, error) {
	if cfg.Store.MongoURI == "" {
		log.Printf("APP: no mongo_uri configured, using in-process session store")
		return session.NewMemoryStore(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	store, err := session.NewMongoStore(ctx, cfg.Store.MongoURI, cfg.Store.Database)
	if err != nil {
		return nil, fmt.Errorf("connect session store: %w", err)
	}
	return store, nil
}

// bindBridge keeps the chat bridge attached to the active call: bound once
// chat is requested, released when the controller goes idle.
func bindBridge(ctrl *call.Controller, bridge *chat.Bridge, updates <-chan call.Snapshot) {
	var bound string
	for snap := range updates {
		switch {
		case chatWanted(snap) && bound != snap.SessionID:
			tr := ctrl.Transport()
			if tr == nil {
				continue
			}
			peerName := snap.PeerNickname
			if peerName == "" {
				peerName = snap.PeerUID
			}
			if err := bridge.Bind(snap.SessionID, peerName, snap.PeerUID, tr); err != nil {
				log.Printf("APP: bind chat bridge: %v", err)
				continue
			}
			bound = snap.SessionID
		case snap.State == call.StateIdle && bound != "":
			bridge.OnCallEnded()
			bound = ""
		}
	}
}

// chatWanted reports whether a snapshot describes a call whose chat should
// be bound. Binding creates the conversation row, so calls that never
// escalate to chat stay out of the conversation list.
func chatWanted(snap call.Snapshot) bool {
	if snap.State != call.StateInCall && snap.State != call.StateBackground {
		return false
	}
	return snap.ChatRequested
}
