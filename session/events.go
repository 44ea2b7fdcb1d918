package session

import (
	"github.com/mrsingh-rishi/livetranslate/model"
	"github.com/mrsingh-rishi/livetranslate/stt"
	"github.com/mrsingh-rishi/livetranslate/workers"
)

// event is something a producer goroutine reports to the coordinator loop.
// gen is the session generation the producer was started for; events from an
// older generation are ignored.
type event interface {
	generation() uint64
}

type stamp uint64

func (s stamp) generation() uint64 { return uint64(s) }

type transcriptionReceived struct {
	stamp
	event model.TranscriptionEvent
}

type socketClosed struct {
	stamp
	socket *stt.Client
	err    error
}

type deviceChanged struct {
	stamp
	devices []model.AudioDevice
}

type publishAcked struct {
	stamp
	result model.TranslationResult
	err    error
}

type translationDone struct {
	stamp
	result workers.Result
}

type remoteResult struct {
	stamp
	result model.TranslationResult
}

type channelClosed struct {
	stamp
	ended bool
}
