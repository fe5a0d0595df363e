// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package transport implementa o canal full-duplex sobre o qual agent e server
// trocam mensagens do protocolo NUpload.
package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nishisan-dev/n-upload/internal/protocol"
)

// ErrClosed é retornado por Send quando o canal já foi fechado.
var ErrClosed = errors.New("transport: channel closed")

// DefaultQueueSize é o número de frames aceitos na fila de saída antes de Send bloquear.
const DefaultQueueSize = 8

// readBufferSize é o tamanho do buffer de leitura do canal (256KB).
const readBufferSize = 256 * 1024

// Options configura um Channel.
type Options struct {
	QueueSize    int           // frames pendentes antes de Send bloquear (default 8)
	WriteTimeout time.Duration // deadline de escrita por frame (0 = sem deadline)
	Logger       *slog.Logger
}

// Channel encapsula uma net.Conn com escrita serializada por uma única goroutine
// e fila de saída limitada. Quando a fila enche, Send bloqueia até o writer
// drenar capacidade: é o sinal de backpressure do canal.
type Channel struct {
	id           string
	conn         net.Conn
	br           *bufio.Reader
	logger       *slog.Logger
	writeTimeout time.Duration

	outbound   chan []byte
	closed     chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// NewChannel cria o canal e inicia a goroutine de escrita.
func NewChannel(conn net.Conn, opts Options) *Channel {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Channel{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: opts.WriteTimeout,
		outbound:     make(chan []byte, opts.QueueSize),
		closed:       make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
	c.logger = logger.With("channel", c.id)
	c.br = bufio.NewReaderSize(&countingReader{r: conn, n: &c.bytesIn}, readBufferSize)

	go c.writeLoop()
	return c
}

// ID retorna o identificador único do canal.
func (c *Channel) ID() string {
	return c.id
}

// RemoteAddr retorna o endereço remoto da conexão.
func (c *Channel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Done é fechado quando o canal fecha.
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

// BytesIn retorna o total de bytes lidos da conexão.
func (c *Channel) BytesIn() int64 {
	return c.bytesIn.Load()
}

// BytesOut retorna o total de bytes escritos na conexão.
func (c *Channel) BytesOut() int64 {
	return c.bytesOut.Load()
}

// SetReadDeadline repassa o deadline de leitura para a conexão.
// Usado pelo server para limitar o tempo do handshake.
func (c *Channel) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Send serializa m e enfileira o frame para escrita.
// Bloqueia enquanto a fila estiver cheia, até ctx expirar ou o canal fechar.
// m é serializado antes do retorno, então buffers referenciados por m podem ser reutilizados.
func (c *Channel) Send(ctx context.Context, m protocol.Message) error {
	frame, err := protocol.EncodeFrame(m)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	select {
	case c.outbound <- frame:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages retorna a sequência lazy de mensagens recebidas.
// A sequência termina quando o canal fecha ou o peer encerra a conexão.
// Frames inválidos porém delimitados são entregues como erro recuperável
// (protocol.IsRecoverable) e a leitura continua; demais erros encerram a sequência.
func (c *Channel) Messages() iter.Seq2[protocol.Message, error] {
	return func(yield func(protocol.Message, error) bool) {
		for {
			msg, err := protocol.ReadMessage(c.br)
			if err != nil {
				if c.isClosed() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if !yield(nil, err) {
					return
				}
				if protocol.IsRecoverable(err) {
					continue
				}
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// Close fecha o canal imediatamente, descartando frames ainda na fila.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// CloseAfterFlush aguarda a escrita dos frames já enfileirados e então fecha o canal.
// Se timeout expirar antes, fecha mesmo assim.
func (c *Channel) CloseAfterFlush(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// nil na fila marca o ponto de fechamento para o writer
	select {
	case c.outbound <- nil:
	case <-c.closed:
		return nil
	case <-timer.C:
		return c.Close()
	}

	select {
	case <-c.writerDone:
	case <-timer.C:
	}
	return c.Close()
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// writeLoop é a única goroutine que escreve na conexão.
func (c *Channel) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.outbound:
			if frame == nil {
				c.Close()
				return
			}
			if c.writeTimeout > 0 {
				c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			n, err := c.conn.Write(frame)
			c.bytesOut.Add(int64(n))
			if err != nil {
				if !c.isClosed() {
					c.logger.Debug("channel write failed", "error", err)
				}
				c.Close()
				return
			}
		}
	}
}

// countingReader contabiliza os bytes lidos da conexão.
type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n.Add(int64(n))
	return n, err
}
