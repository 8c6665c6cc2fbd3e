// File: fake/echo.go
// Author: momentics <momentics@gmail.com>

package fake

import (
	"encoding/json"
	"sync/atomic"

	"github.com/momentics/wspush/api"
)

// EchoAgent answers {"ping": x} with {"pong": x} and echoes every other
// request. Downloads are acknowledged with the stream size.
type EchoAgent struct {
	Peer      api.Peer
	shutdowns atomic.Int32
}

// NewEchoAgent is an api.AgentFactory.
func NewEchoAgent(peer api.Peer) api.Agent {
	return &EchoAgent{Peer: peer}
}

func (a *EchoAgent) HandleRequest(msg api.Message) (string, error) {
	if v, ok := msg["ping"]; ok {
		return encode(api.Message{"pong": v})
	}
	return encode(msg)
}

func (a *EchoAgent) HandleDownload(header api.Message, stream []byte) (string, error) {
	return encode(api.Message{"file": header["file"], "size": len(stream)})
}

func (a *EchoAgent) Shutdown() {
	a.shutdowns.Add(1)
}

// Shutdowns returns how many times Shutdown was called.
func (a *EchoAgent) Shutdowns() int {
	return int(a.shutdowns.Load())
}

func encode(m api.Message) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
