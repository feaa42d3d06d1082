package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	apperrors "lifelogpipe/pkg/errors"
	"lifelogpipe/pkg/wire"
)

// httpGetUploadOffset implements uploader.Config.GetUploadOffset over the
// backend's plain HTTP surface (spec §6 GetUploadOffset).
func httpGetUploadOffset(backendAddr string, stream wire.StreamIdentity) func(ctx context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		u := fmt.Sprintf("%s/v1/upload-offset?collector_id=%s&stream_id=%s&session_id=%d",
			strings.TrimRight(backendAddr, "/"),
			url.QueryEscape(stream.CollectorID), url.QueryEscape(stream.StreamID), stream.SessionID)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return 0, apperrors.NetworkError("get_upload_offset", "build request").Wrap(err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return 0, apperrors.NetworkError("get_upload_offset", "do request").Wrap(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return 0, apperrors.NetworkError("get_upload_offset", "non-200 response").
				WithMetadata("status", strconv.Itoa(resp.StatusCode))
		}
		var out wire.GetUploadOffsetResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return 0, apperrors.NetworkError("get_upload_offset", "decode response").Wrap(err)
		}
		return out.Offset, nil
	}
}

// wsURL rewrites an http(s) backend address into its ws(s) equivalent
// plus path.
func wsURL(backendAddr, path string) string {
	u := strings.TrimRight(backendAddr, "/") + path
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	return u
}

// dialUploadChunks implements uploader.Config.DialUploadChunks over the
// backend's websocket UploadChunks endpoint.
func dialUploadChunks(backendAddr string) func(ctx context.Context) (*wire.Conn, error) {
	return func(ctx context.Context) (*wire.Conn, error) {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL(backendAddr, "/v1/upload-chunks"), nil)
		if err != nil {
			return nil, apperrors.NetworkError("dial_upload_chunks", "dial websocket").Wrap(err)
		}
		return wire.NewConn(ws), nil
	}
}

// dialControlStream opens the collector's single long-lived ControlStream
// connection (spec §6: Register precedes any upload).
func dialControlStream(ctx context.Context, backendAddr string) (*wire.Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL(backendAddr, "/v1/control-stream"), nil)
	if err != nil {
		return nil, apperrors.NetworkError("dial_control_stream", "dial websocket").Wrap(err)
	}
	return wire.NewConn(ws), nil
}
