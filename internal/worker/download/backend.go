// Package download はダウンロードキューの逐次消化と2種類のダウンロードバックエンドを提供する。
package download

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Job は1回のダウンロード試行の入力。
type Job struct {
	AttemptID   string
	ReplayID    string
	ManifestURL string
	OutputPath  string
	// Duration はリプレイの長さ。不明な場合は0で、進捗率を計算しない。
	Duration time.Duration
}

// EventKind はバックエンドが通知するイベントの種類。
type EventKind int

const (
	// EventProgress は進捗の通知。
	EventProgress EventKind = iota
	// EventTransient は一時的なエラーの通知。試行は継続する。
	EventTransient
)

// Event はダウンロード中にバックエンドから通知されるイベント。
type Event struct {
	Kind    EventKind
	Percent float64
	Err     error
}

// TransientError は試行を終了させない一時的なエラー。
// セグメント取得のタイムアウトなどで使用し、errors.Asで判定する。
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient はerrがTransientErrorを含むかを返す。
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Backend はダウンロードバックエンドのインターフェース。
type Backend interface {
	// Name はログ用のバックエンド名を返す。
	Name() string
	// Extension は出力ファイルの拡張子（ドット付き）を返す。
	Extension() string
	// Start はダウンロードを開始し、イベントと最終結果を受け取るAttemptを返す。
	Start(ctx context.Context, job Job) *Attempt
}

// Attempt は実行中のダウンロード試行。
// Eventsは試行終了時にクローズされ、その後Waitが最終結果を返す。
type Attempt struct {
	events chan Event
	done   chan struct{}
	err    error
}

// runFunc はバックエンドの本体処理。emitでイベントを通知し、最終結果を返す。
type runFunc func(ctx context.Context, job Job, emit func(Event)) error

// startAttempt はrunを別goroutineで実行するAttemptを生成する。
func startAttempt(ctx context.Context, job Job, run runFunc) *Attempt {
	a := &Attempt{
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}

	emit := func(ev Event) {
		select {
		case a.events <- ev:
		case <-ctx.Done():
		}
	}

	go func() {
		err := run(ctx, job, emit)
		close(a.events)
		a.err = err
		close(a.done)
	}()

	return a
}

// Events はイベントを受信するチャネルを返す。
func (a *Attempt) Events() <-chan Event {
	return a.events
}

// Wait は試行の終了を待ち、最終結果を返す。成功時はnil。
func (a *Attempt) Wait() error {
	<-a.done
	return a.err
}
