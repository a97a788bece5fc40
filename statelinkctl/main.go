package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"statelink.io/statelink"
)

const LocalVersion = "0.0.0-local"

const DefaultIntervalMillis = 250
const DefaultStatsIntervalMillis = 2000

// a hub with devices, synchronized against an in-memory source.
// local mutations flow out as write batches; pushed updates flow back in
// through the buffering writer with ownership claims.

type Hub struct {
	Name     string
	Devices  []any
	Settings map[string]any
}

func (self *Hub) SubjectKind() string {
	return "hub"
}

type Device struct {
	Label string
	Power bool
	Level float64
}

func (self *Device) SubjectKind() string {
	return "device"
}

func newDemoTypes() *statelink.TypeRegistry {
	types := statelink.NewTypeRegistry()
	types.Register(&statelink.SubjectDef{
		Kind: "hub",
		New: func() statelink.Subject {
			return &Hub{}
		},
		Properties: []*statelink.PropertyDef{
			{
				Name: "name",
				Kind: statelink.PropertyKindValue,
				Get: func(subject statelink.Subject) any {
					return subject.(*Hub).Name
				},
				Set: func(subject statelink.Subject, value any) error {
					name, ok := value.(string)
					if !ok {
						return fmt.Errorf("name must be a string")
					}
					subject.(*Hub).Name = name
					return nil
				},
			},
			{
				Name:        "devices",
				Kind:        statelink.PropertyKindCollection,
				ElementKind: "device",
				Get: func(subject statelink.Subject) any {
					return subject.(*Hub).Devices
				},
				Set: func(subject statelink.Subject, value any) error {
					devices, ok := value.([]any)
					if !ok && value != nil {
						return fmt.Errorf("devices must be a collection")
					}
					subject.(*Hub).Devices = devices
					return nil
				},
			},
			{
				Name:    "settings",
				Kind:    statelink.PropertyKindDictionary,
				KeyKind: statelink.KeyKindString,
				Get: func(subject statelink.Subject) any {
					return subject.(*Hub).Settings
				},
				Set: func(subject statelink.Subject, value any) error {
					settings, ok := value.(map[string]any)
					if !ok && value != nil {
						return fmt.Errorf("settings must be a dictionary")
					}
					subject.(*Hub).Settings = settings
					return nil
				},
			},
		},
	})
	types.Register(&statelink.SubjectDef{
		Kind: "device",
		New: func() statelink.Subject {
			return &Device{}
		},
		Properties: []*statelink.PropertyDef{
			{
				Name: "label",
				Kind: statelink.PropertyKindValue,
				Get: func(subject statelink.Subject) any {
					return subject.(*Device).Label
				},
				Set: func(subject statelink.Subject, value any) error {
					label, ok := value.(string)
					if !ok {
						return fmt.Errorf("label must be a string")
					}
					subject.(*Device).Label = label
					return nil
				},
			},
			{
				Name: "power",
				Kind: statelink.PropertyKindValue,
				Get: func(subject statelink.Subject) any {
					return subject.(*Device).Power
				},
				Set: func(subject statelink.Subject, value any) error {
					power, ok := value.(bool)
					if !ok {
						return fmt.Errorf("power must be a bool")
					}
					subject.(*Device).Power = power
					return nil
				},
			},
			{
				Name: "level",
				Kind: statelink.PropertyKindValue,
				Get: func(subject statelink.Subject) any {
					return subject.(*Device).Level
				},
				Set: func(subject statelink.Subject, value any) error {
					switch v := value.(type) {
					case float64:
						subject.(*Device).Level = v
					case int:
						subject.(*Device).Level = float64(v)
					default:
						return fmt.Errorf("level must be a number")
					}
					return nil
				},
			},
		},
	})
	return types
}

func main() {
	usage := `Statelink demo.

Synchronizes an in-process hub/device graph with an in-memory source,
printing write stats while local mutations and inbound pushes interleave.

Usage:
    statelinkctl sync [--interval=<interval>] [--duration=<duration>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --interval=<interval>      Local mutation interval in millis [default: 250].
    --duration=<duration>      Exit after this many seconds. 0 runs until interrupted [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LocalVersion)
	if err != nil {
		panic(err)
	}

	if sync_, _ := opts.Bool("sync"); sync_ {
		sync(opts)
	}
}

func sync(opts docopt.Opts) {
	intervalMillis, _ := opts.Int("--interval")
	if intervalMillis <= 0 {
		intervalMillis = DefaultIntervalMillis
	}
	durationSeconds, _ := opts.Int("--duration")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := statelink.NewEventWithContext(cancelCtx)
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	ctx := event.Ctx()
	if 0 < durationSeconds {
		deadlineCtx, deadlineCancel := context.WithTimeout(ctx, time.Duration(durationSeconds)*time.Second)
		defer deadlineCancel()
		ctx = deadlineCtx
	}

	types := newDemoTypes()
	factory := statelink.NewSubjectFactory(types)

	hub := &Hub{}
	graph := statelink.NewMemoryGraph(types, hub)

	// the source's view of the initial state: the hub with one device
	rootId := statelink.NewId()
	deviceId := statelink.NewId()
	initial := statelink.NewSubjectUpdate(rootId)
	initial.Subjects[rootId] = &statelink.SubjectEntry{
		Kind: "hub",
		Properties: map[string]*statelink.PropertyUpdate{
			"name": {
				HasValue: true,
				Value:    "demo-hub",
			},
			"devices": {
				HasCollection: true,
				Collection: []*statelink.CollectionEntry{
					{
						Index:       0,
						ReferenceId: &deviceId,
					},
				},
			},
			"settings": {
				HasCollection: true,
				Collection: []*statelink.CollectionEntry{
					{
						Key:      "mode",
						HasValue: true,
						Value:    "auto",
					},
				},
			},
		},
	}
	initial.Subjects[deviceId] = &statelink.SubjectEntry{
		Kind: "device",
		Properties: map[string]*statelink.PropertyUpdate{
			"label": {
				HasValue: true,
				Value:    "lamp",
			},
			"power": {
				HasValue: true,
				Value:    true,
			},
			"level": {
				HasValue: true,
				Value:    0.5,
			},
		},
	}

	source := statelink.NewMemorySource("memory")
	source.SetInitialState(initial)

	service := statelink.NewSyncServiceWithDefaults(ctx, graph, factory, source)
	defer service.Close()

	fmt.Printf("source: %s\n", source.SourceHandle())

	mutateTicker := time.NewTicker(time.Duration(intervalMillis) * time.Millisecond)
	defer mutateTicker.Stop()

	statsTicker := time.NewTicker(DefaultStatsIntervalMillis * time.Millisecond)
	defer statsTicker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			stats := service.WriteStats()
			fmt.Printf(
				"done. wrote %d changes in %d batches (mean=%s)\n",
				source.WrittenChangeCount(),
				stats.SuccessCount,
				stats.MeanWriteTime,
			)
			return
		case <-mutateTicker.C:
			tick += 1
			device := firstDevice(graph, hub)
			if device == nil {
				// initial state not applied yet
				continue
			}
			graph.SetValue(
				statelink.PropertyRef{
					Subject: device,
					Name:    "level",
				},
				float64(tick%100)/100,
			)
			if tick%10 == 0 {
				// an inbound push from the source side
				push := statelink.NewSubjectUpdate(rootId)
				push.Subjects[rootId] = &statelink.SubjectEntry{
					Kind: "hub",
					Properties: map[string]*statelink.PropertyUpdate{
						"name": {
							HasValue: true,
							Value:    fmt.Sprintf("demo-hub-%d", tick),
						},
					},
				}
				source.Push(push)
			}
		case <-statsTicker.C:
			stats := service.WriteStats()
			name, _ := graph.GetValue(statelink.PropertyRef{Subject: hub, Name: "name"})
			level := 0.0
			if device := firstDevice(graph, hub); device != nil {
				value, _ := graph.GetValue(statelink.PropertyRef{Subject: device, Name: "level"})
				level, _ = value.(float64)
			}
			fmt.Printf(
				"hub=%v level=%.2f written=%d retry=%d success=%d failure=%d timeout=%d mean=%s\n",
				name,
				level,
				source.WrittenChangeCount(),
				service.RetryQueueSize(),
				stats.SuccessCount,
				stats.FailureCount,
				stats.TimeoutCount,
				stats.MeanWriteTime,
			)
		}
	}
}

func firstDevice(graph *statelink.MemoryGraph, hub *Hub) *Device {
	value, _ := graph.GetValue(statelink.PropertyRef{Subject: hub, Name: "devices"})
	devices, _ := value.([]any)
	if len(devices) == 0 {
		return nil
	}
	device, _ := devices[0].(*Device)
	return device
}
