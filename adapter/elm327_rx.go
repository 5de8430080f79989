package adapter

import (
	"strings"

	"github.com/evgauge/canlink"
	"go.uber.org/zap"
)

const (
	rxBufferSize = 1024
	elmPrompt    = '>'
)

// ringBuffer accumulates adapter output until a prompt arrives. Old data is
// overwritten when the adapter sends more than fits between prompts.
type ringBuffer struct {
	buf       [rxBufferSize]byte
	push, pop int
}

func (r *ringBuffer) write(c byte) {
	r.buf[r.push] = c
	r.push = (r.push + 1) % rxBufferSize
}

// span returns everything up to the next prompt and consumes the prompt.
func (r *ringBuffer) span() []byte {
	var out []byte
	for r.pop != r.push {
		c := r.buf[r.pop]
		r.pop = (r.pop + 1) % rxBufferSize
		if c == elmPrompt {
			break
		}
		out = append(out, c)
	}
	return out
}

func (r *ringBuffer) reset() {
	r.push, r.pop = 0, 0
}

func splitLines(span []byte) []string {
	return strings.FieldsFunc(string(span), func(r rune) bool {
		return r == '\r' || r == '\n'
	})
}

// Deliver implements stream.Handler.
func (e *ELM327) Deliver(data []byte) {
	e.rxMu.Lock()
	defer e.rxMu.Unlock()
	if e.cfg.Debug {
		e.log.Debug("rx", zap.ByteString("data", data))
	}
	for _, c := range data {
		e.rx.write(c)
		if c == elmPrompt {
			e.processSpan(e.rx.span())
		}
	}
}

// processSpan parses the adapter output between two prompts and resolves the
// line in flight.
func (e *ELM327) processSpan(span []byte) {
	success := false
	for _, line := range splitLines(span) {
		line = strings.TrimLeft(line, " ")
		if line == "" {
			continue
		}
		e.mu.Lock()
		state := e.tx
		rspID := e.hdr.rspID
		e.mu.Unlock()

		switch state {
		case txATCmd:
			switch line[0] {
			case 'O', 'E':
				success = true
				if line[0] == 'E' {
					if v := parseVersion(line); v != "" {
						e.mu.Lock()
						e.version = v
						e.mu.Unlock()
					}
				}
			case '?':
				e.log.Warn("unknown command")
				success = false
			}
		case txReqPkt:
			switch line[0] {
			case 'N':
				e.log.Warn("no data for request")
				success = false
				continue
			case '?':
				e.log.Warn("request answered with ?")
				success = false
				continue
			}
			data, ok := decodeHexLine(line)
			if !ok {
				e.log.Warn("unexpected response line", zap.String("line", line))
				success = false
				continue
			}
			success = true
			e.deliver(canlink.NewRawFrame(rspID, data))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.tx {
	case txATCmd:
		if success {
			e.resolve(txIdle, nil)
		} else {
			e.resolve(txError, canlink.ErrMalformedResponse)
		}
	case txReqPkt:
		// completion comes from ResponseComplete, the adapter may prompt
		// before a multi-frame response is complete
		if !success {
			e.resolve(txError, canlink.ErrMalformedResponse)
		}
	}
}
