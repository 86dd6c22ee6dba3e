package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/usertour/usertour-go/internal/clientcontext"
	"github.com/usertour/usertour-go/internal/config"
	"github.com/usertour/usertour-go/internal/dispatch"
	"github.com/usertour/usertour-go/internal/monitor"
	"github.com/usertour/usertour-go/internal/rules"
	"github.com/usertour/usertour-go/internal/session"
	"github.com/usertour/usertour-go/internal/timer"
	"github.com/usertour/usertour-go/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	pageURL := flag.String("page", "", "Override reported page URL")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *pageURL != "" {
		cfg.Client.PageURL = *pageURL
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := session.NewStore()
	scheduler := timer.NewScheduler()
	evaluator := rules.NewAttributeEvaluator()
	client := transport.NewClient()

	snapshot := func() *rules.Context {
		return &rules.Context{
			Attributes: store.Attributes(),
			PageURL:    cfg.Client.PageURL,
		}
	}

	conditions := monitor.NewConditionMonitor(evaluator, scheduler, snapshot, func(ev monitor.ConditionEvent) {
		log.Printf("Condition %s %s (content=%s)", ev.ConditionID, ev.State, ev.ContentID)
		// Fire and report: edge transitions are bursty, so let the server
		// group them between batch markers.
		sent, err := client.TrackEvent(ctx, transport.TrackEventParams{
			EventName: "condition_" + string(ev.State),
			Attributes: map[string]any{
				"conditionId": ev.ConditionID,
				"contentId":   ev.ContentID,
			},
		}, transport.SendOptions{Batch: true})
		if err != nil {
			log.Printf("track event failed: %v", err)
		} else if !sent {
			log.Printf("track event skipped, no connection")
		}
	})

	messages := dispatch.NewServerMessageManager()
	handlers := dispatch.NewSessionHandlers(store, conditions, scheduler)
	handlers.OnWaitExpire(func(timerID string) {
		log.Printf("Condition wait timer %s elapsed", timerID)
	})
	handlers.RegisterAll(messages)

	actions := dispatch.NewActionManager(dispatch.NewFlowActions(client, store,
		func(url string) error {
			log.Printf("Navigate requested: %s", url)
			cfg.Client.PageURL = url
			return nil
		},
		func(code string) error {
			log.Printf("Script evaluation requested (%d bytes), no host runtime", len(code))
			return nil
		}))
	handlers.OnForceStep(func(sessionID, stepCvid string) {
		actions.HandleActions(ctx, []dispatch.Action{{
			Type: dispatch.ActionStepGoto,
			Data: mustJSON(map[string]string{"stepCvid": stepCvid}),
		}})
	})

	client.OnPush(transport.EventServerMessage, func(data json.RawMessage) {
		var msg transport.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Bad server message frame: %v", err)
			return
		}
		messages.HandleServerMessage(ctx, msg.Kind, msg.Payload)
	})
	client.OnPush(transport.EventSetFlowSession, func(data json.RawMessage) {
		var fs session.FlowSession
		if err := json.Unmarshal(data, &fs); err != nil {
			log.Printf("Bad flow session frame: %v", err)
			return
		}
		store.SetFlowSession(&fs, func() {
			log.Printf("Flow session %s (step %d)", fs.ID, fs.StepIndex)
		})
	})
	client.OnPush(transport.EventSetChecklistSession, func(data json.RawMessage) {
		var cs session.ChecklistSession
		if err := json.Unmarshal(data, &cs); err != nil {
			log.Printf("Bad checklist session frame: %v", err)
			return
		}
		store.SetChecklistSession(&cs, func() {
			log.Printf("Checklist session %s (%d tasks)", cs.ID, len(cs.Tasks))
		})
	})
	client.OnError(func(err error) {
		log.Printf("Transport error: %v", err)
	})

	if err := client.Initialize(ctx, transport.Options{
		UserID:         cfg.Server.UserID,
		Token:          cfg.Server.Token,
		Origin:         cfg.Server.Origin,
		Path:           cfg.Server.Path,
		Namespace:      cfg.Server.Namespace,
		PageURL:        cfg.Client.PageURL,
		ViewportWidth:  cfg.Client.ViewportWidth,
		ViewportHeight: cfg.Client.ViewportHeight,
	}); err != nil {
		log.Fatalf("Transport initialization failed: %v", err)
	}

	conditions.Start(ctx, cfg.Monitor.ConditionInterval)
	log.Printf("Condition monitor started (interval=%s)", cfg.Monitor.ConditionInterval)

	// Periodic client-context report with host telemetry.
	if cfg.Client.ContextReport > 0 {
		scheduler.Every(cfg.Client.ContextReport, func() {
			cc := clientcontext.Context{
				PageURL:        cfg.Client.PageURL,
				ViewportWidth:  cfg.Client.ViewportWidth,
				ViewportHeight: cfg.Client.ViewportHeight,
			}
			cc.Collect()
			if _, err := client.UpdateClientContext(ctx, cc); err != nil {
				log.Printf("Client context report failed: %v", err)
			}
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")
	conditions.Stop()
	scheduler.Stop()
	client.Disconnect()
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
