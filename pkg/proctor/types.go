package proctor

import (
	"github.com/ghalamif/AegisProctor/internal/app/guard"
	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

// IntegrityEvent is the record that flows through the journal→queue→sink
// pipeline. It is exported so custom sinks can reference it.
type IntegrityEvent = domain.IntegrityEvent

// EventKind names an integrity-relevant occurrence.
type EventKind = domain.EventKind

// EventSink consumes batches of integrity events and persists them anywhere.
type EventSink = ports.EventSink

// Journal abstracts the append-only log used for durability and replay.
type Journal = ports.Journal

// JournalStats exposes journal metadata for observability.
type JournalStats = ports.JournalStats

// EventQueue is the bounded queue between the journal and the sink.
type EventQueue = ports.EventQueue

// Observability emits metrics and structured logs.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// Device grants access to a capture device.
type Device = ports.Device

// PreviewSink renders the active camera stream.
type PreviewSink = ports.PreviewSink

// MediaEncoder produces time-sliced video segments.
type MediaEncoder = ports.MediaEncoder

// Backend is the remote grading backend.
type Backend = ports.Backend

// PageMonitor exposes exam page signals.
type PageMonitor = ports.PageMonitor

type (
	Notifier   = ports.Notifier
	Clipboard  = ports.Clipboard
	Fullscreen = ports.Fullscreen
)

// StartReport describes the outcome of each start step.
type StartReport = guard.StartReport

// Phase is the lifecycle phase of a proctored attempt.
type Phase = guard.Phase

// CameraResult is returned by camera start and retry.
type CameraResult = domain.CameraResult
