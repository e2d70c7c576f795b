package control

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"os"

	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/log"
)

var transportLogger = log.WithComponent("control.transport")

// SocketPath is the default control socket location.
const SocketPath = "/run/meshadmin-revertit.sock"

// maxFrameSize bounds a single request/response frame to defend against
// a misbehaving client claiming an enormous length prefix.
const maxFrameSize = 4 << 20

// Listener serves Server over a unix domain socket using a 4-byte
// big-endian length prefix followed by a JSON-encoded frame, in both
// directions. The socket is created mode 0600 and root-owned by virtue
// of the daemon itself running as root; the OS identity of the
// connecting process is the only authentication.
type Listener struct {
	server *Server
	ln     net.Listener
}

// Listen creates the unix socket at path (removing a stale one first)
// and returns a Listener ready to Serve.
func Listen(path string, server *Server) (*Listener, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, err
	}
	return &Listener{server: server, ln: ln}, nil
}

// Serve accepts connections until the listener is closed.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go l.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	req, err := readFrame(conn)
	if err != nil {
		transportLogger.Warn().Err(err).Msg("failed to read control request")
		return
	}

	var request Request
	if err := json.Unmarshal(req, &request); err != nil {
		writeFrame(conn, mustMarshal(Response{OK: false, Error: "invalid request JSON: " + err.Error()}))
		return
	}

	resp := l.server.Handle(ctx, request)
	writeFrame(conn, mustMarshal(resp))
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, io.ErrShortBuffer
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"ok":false,"error":"internal: failed to encode response"}`)
	}
	return data
}

// Client is a thin helper cmd/revertit uses to talk to a running daemon.
type Client struct {
	path string
}

// NewClient constructs a Client targeting the socket at path.
func NewClient(path string) *Client {
	return &Client{path: path}
}

// Call sends one request and returns the decoded response.
func (c *Client) Call(req Request) (Response, error) {
	conn, err := net.Dial("unix", c.path)
	if err != nil {
		return Response{}, err
	}
	defer conn.Close()

	if err := writeFrame(conn, mustMarshal(req)); err != nil {
		return Response{}, err
	}

	data, err := readFrame(conn)
	if err != nil {
		return Response{}, err
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}
