package domain

import "time"

// EventKind 是进度事件的类型。
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventRetried   EventKind = "retried"
	EventSucceeded EventKind = "succeeded"
	EventFailed    EventKind = "failed"
)

const (
	StageDownload = "download"
	StageExtract  = "extract"
)

// Event 是下载池与解压器对外发出的进度事件。
// 投递是 fire-and-forget：消费者过慢时事件会被丢弃，不会阻塞下载。
type Event struct {
	TaskID  string    `json:"task_id"`
	Stage   string    `json:"stage"`
	Kind    EventKind `json:"kind"`
	Attempt int       `json:"attempt,omitempty"`
	// Bytes/Total 仅对 progress/succeeded 有意义；Total<0 表示未知。
	Bytes   int64     `json:"bytes,omitempty"`
	Total   int64     `json:"total,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Emitter 接收进度事件。实现必须是非阻塞且并发安全的。
type Emitter interface {
	Emit(Event)
}

// EmitterFunc 让普通函数满足 Emitter。
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard 丢弃所有事件。
var Discard Emitter = EmitterFunc(func(Event) {})
