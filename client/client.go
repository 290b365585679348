// Package client joins a game through the dispatcher's HTTP front-end and then
// connects to the assigned game server.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"game-dispatcher/apperr"
	"game-dispatcher/gameserver"
	"game-dispatcher/message"
)

type Client struct {
	baseURL string
	http    *http.Client
	dialer  net.Dialer
}

// NewClient creates a client for the dispatcher at baseURL, e.g. "http://127.0.0.1:42070".
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		dialer:  net.Dialer{Timeout: timeout},
	}
}

// Join asks the dispatcher for a game server. It has the shape of
// middleware.HandlerFunc so it can be wrapped with retry and logging.
// Failures come back as *apperr.Error with the kind the dispatcher answered.
func (c *Client) Join(ctx context.Context, req *message.JoinRequest) (*message.Assignment, error) {
	q := url.Values{}
	q.Set("version", strconv.Itoa(req.Version))
	q.Set("uuid", req.PlayerID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/join?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Timeout(err)
		}
		return nil, fmt.Errorf("join request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read join response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp.StatusCode, body)
	}

	var assignment message.Assignment
	if err := json.Unmarshal(body, &assignment); err != nil {
		return nil, fmt.Errorf("decode assignment: %w", err)
	}
	return &assignment, nil
}

// decodeError prefers the kind in the body and falls back to the status.
func decodeError(status int, body []byte) *apperr.Error {
	var parsed struct {
		Error *apperr.Error `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil && parsed.Error.Kind != "" {
		return parsed.Error
	}
	kind := apperr.FromHTTPStatus(status)
	if kind == "" {
		kind = apperr.KindInternal
	}
	return apperr.New(kind, fmt.Sprintf("dispatcher answered %d", status), nil)
}

// RejectedError is returned by Play when the game server turns the player away.
type RejectedError struct {
	Reply string
}

func (e *RejectedError) Error() string {
	return "game server rejected player: " + e.Reply
}

// Play connects to the assigned game server and performs the handshake. On
// success the returned connection holds the player's slot until it is closed.
func (c *Client) Play(ctx context.Context, a *message.Assignment, req *message.JoinRequest) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", a.Address)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if _, err := fmt.Fprintf(conn, "JOIN %s %d\n", req.PlayerID, req.Version); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read handshake reply: %w", err)
	}
	conn.SetDeadline(time.Time{})

	if reply = strings.TrimSpace(reply); reply != gameserver.ReplyOK {
		conn.Close()
		return nil, &RejectedError{Reply: reply}
	}
	return conn, nil
}
