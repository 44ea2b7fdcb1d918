// Package output renders transcript entries as they are appended.
package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/mrsingh-rishi/livetranslate/model"
)

// Format selects how entries are written.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// TranscriptOutput writes entries from a watch channel to w until the channel
// closes or Stop is called.
type TranscriptOutput struct {
	ctx     context.Context
	cancel  context.CancelFunc
	entries <-chan model.TranscriptEntry
	w       io.Writer
	format  Format
	logger  *zap.SugaredLogger
	done    chan struct{}
	once    sync.Once
}

func NewTranscriptOutput(
	entries <-chan model.TranscriptEntry,
	w io.Writer,
	format Format,
	logger *zap.SugaredLogger,
) (*TranscriptOutput, error) {
	if entries == nil {
		return nil, fmt.Errorf("entry channel is required")
	}
	if w == nil {
		return nil, fmt.Errorf("writer is required")
	}
	switch format {
	case "":
		format = FormatText
	case FormatText, FormatJSON:
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TranscriptOutput{
		ctx:     ctx,
		cancel:  cancel,
		entries: entries,
		w:       w,
		format:  format,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

func (o *TranscriptOutput) Start() {
	go func() {
		defer close(o.done)
		for {
			select {
			case <-o.ctx.Done():
				o.drain()
				return
			case entry, ok := <-o.entries:
				if !ok {
					return
				}
				o.emit(entry)
			}
		}
	}()
}

// drain writes whatever is already buffered without waiting for more.
func (o *TranscriptOutput) drain() {
	for {
		select {
		case entry, ok := <-o.entries:
			if !ok {
				return
			}
			o.emit(entry)
		default:
			return
		}
	}
}

func (o *TranscriptOutput) emit(entry model.TranscriptEntry) {
	if err := o.write(entry); err != nil {
		o.logger.Warnw("transcript write failed", "entry", entry.ID, "error", err)
	}
}

// Stop ends the writer and waits for it to exit. Entries already buffered
// on the channel are written first.
func (o *TranscriptOutput) Stop() {
	o.once.Do(o.cancel)
	<-o.done
}

func (o *TranscriptOutput) write(entry model.TranscriptEntry) error {
	if o.format == FormatJSON {
		return json.NewEncoder(o.w).Encode(entry)
	}
	_, err := fmt.Fprintln(o.w, Line(entry))
	return err
}

// Line renders one entry for a terminal.
func Line(entry model.TranscriptEntry) string {
	who := "peer"
	if entry.IsLocal {
		who = "you"
	}
	r := entry.Result
	ts := entry.ReceivedAt.Format("15:04:05")
	if r.Failed() {
		return fmt.Sprintf("%s %-4s %s  (translation unavailable)", ts, who, r.OriginalText)
	}
	return fmt.Sprintf("%s %-4s [%s] %s\n              [%s] %s",
		ts, who,
		model.LanguageName(r.OriginalLanguage), r.OriginalText,
		model.LanguageName(r.TranslatedLanguage), r.TranslatedText,
	)
}
