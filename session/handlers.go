package session

import (
	"github.com/mrsingh-rishi/livetranslate/workers"
)

func (c *Coordinator) handle(ev event) {
	if ev.generation() != c.gen || c.state != Active {
		return
	}

	switch ev := ev.(type) {
	case transcriptionReceived:
		c.onTranscription(ev)
	case translationDone:
		c.onTranslation(ev.result)
	case remoteResult:
		c.transcript.Append(ev.result, false)
		c.metrics.ObserveEntry(false)
	case publishAcked:
		if ev.err != nil {
			c.logger.Debugw("result not delivered", "text", ev.result.OriginalText, "error", ev.err)
		}
	case socketClosed:
		c.onSocketClosed(ev)
	case deviceChanged:
		c.setDevices(ev.devices)
		if c.capturing() {
			c.restartCapture("device change")
		}
	case channelClosed:
		if !ev.ended {
			c.logger.Warnw("realtime channel lost")
			return
		}
		c.logger.Infow("meeting ended by its creator")
		c.leave("ended")
		c.ended = true
	}
}

func (c *Coordinator) onTranscription(ev transcriptionReceived) {
	c.metrics.TranscriptionEvents.Inc()
	if c.muted {
		c.logger.Debugw("transcription dropped while muted", "text", ev.event.Text)
		return
	}

	job := workers.Job{Seq: c.nextSeq, Generation: c.gen, Event: ev.event}
	if c.pool.Submit(job) {
		c.nextSeq++
	}
}

// onTranslation holds results until every earlier one has arrived, so local
// entries land in the order their utterances were dispatched.
func (c *Coordinator) onTranslation(r workers.Result) {
	c.pending[r.Seq] = r
	for {
		next, ok := c.pending[c.nextCommit]
		if !ok {
			return
		}
		delete(c.pending, c.nextCommit)
		c.nextCommit++
		c.commit(next)
	}
}

func (c *Coordinator) commit(r workers.Result) {
	c.transcript.Append(r.Translation, true)
	c.metrics.ObserveEntry(true)

	switch {
	case r.Translation.Failed():
		c.logger.Debugw("failed translation kept local", "text", r.Translation.OriginalText)
	case c.muted:
		c.logger.Debugw("result kept local while muted", "text", r.Translation.OriginalText)
	default:
		c.relay.Publish(r.Translation)
	}
}

func (c *Coordinator) onSocketClosed(ev socketClosed) {
	if ev.socket != c.socket {
		return
	}
	c.metrics.SocketDisconnects.Inc()

	c.stopCapture()
	c.socket.Close()
	c.socket = nil
	c.streaming = false

	if ev.err != nil {
		c.streamErr = ev.err.Error()
		c.logger.Warnw("transcription stream dropped", "error", ev.err)
		return
	}
	c.logger.Infow("transcription stream closed by server")
}
