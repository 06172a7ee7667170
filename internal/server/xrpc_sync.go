package server

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/ipfs/go-cid"
	"github.com/labstack/echo/v4"

	"github.com/primal-host/solo-pds/internal/events"
	"github.com/primal-host/solo-pds/internal/pdserr"
)

func parseCIDList(raw []string) ([]cid.Cid, error) {
	out := make([]cid.Cid, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		c, err := cid.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("invalid cid %q: %w", s, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// wsUpgrader allows any origin — the firehose is a public read endpoint.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleGetRepo streams the full repository as a CAR v1 archive.
// GET /xrpc/com.atproto.sync.getRepo
func (s *Server) handleGetRepo(c echo.Context) error {
	c.Response().Header().Set("Content-Type", "application/vnd.ipld.car")
	c.Response().WriteHeader(http.StatusOK)

	if err := s.repos.ExportRepo(c.Request().Context(), c.Response().Writer); err != nil {
		log.Printf("server: export repo: %v", err)
		// Headers are already sent — a JSON error body isn't possible here.
	}
	return nil
}

// handleGetBlocks streams a set of individual blocks as a CAR v1
// archive whose root is the current commit (none while the repository
// is empty). GET /xrpc/com.atproto.sync.getBlocks?cids=...
func (s *Server) handleGetBlocks(c echo.Context) error {
	raw := c.QueryParams()["cids"]
	if len(raw) == 0 {
		if one := c.QueryParam("cids"); one != "" {
			raw = strings.Split(one, ",")
		}
	}
	if len(raw) == 0 {
		return badRequest(c, "InvalidRequest", "cids query parameter is required")
	}

	cids, err := parseCIDList(raw)
	if err != nil {
		return badRequest(c, "InvalidRequest", err.Error())
	}

	c.Response().Header().Set("Content-Type", "application/vnd.ipld.car")
	c.Response().WriteHeader(http.StatusOK)

	if err := s.repos.ExportBlocks(c.Request().Context(), c.Response().Writer, cids); err != nil {
		log.Printf("server: export blocks: %v", err)
	}
	return nil
}

// handleSyncGetRecord streams a CAR archive containing the commit
// block, the requested record block, and the MST node path proving
// the record's inclusion under the commit's data root. An optional
// cid query parameter pins the expected record CID; a mismatch
// against what the tree currently holds is reported as NotFound,
// since this server keeps only the current version of each record.
// GET /xrpc/com.atproto.sync.getRecord?collection=...&rkey=...&cid=...
func (s *Server) handleSyncGetRecord(c echo.Context) error {
	collection := c.QueryParam("collection")
	rkey := c.QueryParam("rkey")
	if collection == "" || rkey == "" {
		return badRequest(c, "InvalidRequest", "collection and rkey query parameters are required")
	}

	ctx := c.Request().Context()

	if want := c.QueryParam("cid"); want != "" {
		wantCID, err := cid.Decode(want)
		if err != nil {
			return badRequest(c, "InvalidRequest", "cid is not a valid CID")
		}
		have, _, err := s.repos.GetRecord(ctx, collection, rkey)
		if err != nil {
			return repoError(c, "getRecord", err)
		}
		if !have.Equals(wantCID) {
			return repoError(c, "getRecord", pdserr.Wrap("server.handleSyncGetRecord", pdserr.KindNotFound, pdserr.ErrKeyNotFound))
		}
	}

	c.Response().Header().Set("Content-Type", "application/vnd.ipld.car")

	var buf bytes.Buffer
	if err := s.repos.ExportRecord(ctx, &buf, collection, rkey); err != nil {
		return repoError(c, "getRecord", err)
	}

	c.Response().WriteHeader(http.StatusOK)
	_, err := c.Response().Writer.Write(buf.Bytes())
	return err
}

// handleGetLatestCommit returns the current commit CID and rev.
// GET /xrpc/com.atproto.sync.getLatestCommit
func (s *Server) handleGetLatestCommit(c echo.Context) error {
	commit, err := s.repos.GetLatestCommit(c.Request().Context())
	if err != nil {
		return repoError(c, "getLatestCommit", err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"cid": commit.CID.String(),
		"rev": commit.Rev,
	})
}

// handleGetHead returns just the current root CID, the sync-protocol
// analog to getLatestCommit that predates the rev field.
// GET /xrpc/com.atproto.sync.getHead
func (s *Server) handleGetHead(c echo.Context) error {
	root, err := s.repos.GetRoot(c.Request().Context())
	if err != nil {
		return repoError(c, "getHead", err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"root": root.CommitCID.String(),
	})
}

// handleListRepos returns this server's single hosted repository. A
// multi-tenant host would page through every DID it serves; here the
// list always has exactly one entry.
// GET /xrpc/com.atproto.sync.listRepos
func (s *Server) handleListRepos(c echo.Context) error {
	root, err := s.repos.GetRoot(c.Request().Context())
	if err != nil {
		return repoError(c, "listRepos", err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"repos": []map[string]any{
			{
				"did":    s.id.DID,
				"head":   root.CommitCID.String(),
				"rev":    root.Rev,
				"active": true,
			},
		},
	})
}

// handleSubscribeRepos is the repository event firehose. It upgrades
// to WebSocket, subscribes to the event manager, and streams
// pre-serialized frames. An optional cursor query parameter replays
// history from that sequence number.
// GET /xrpc/com.atproto.sync.subscribeRepos?cursor=...
func (s *Server) handleSubscribeRepos(c echo.Context) error {
	var cursor *int64
	if cursorStr := c.QueryParam("cursor"); cursorStr != "" {
		n, err := strconv.ParseInt(cursorStr, 10, 64)
		if err != nil {
			return badRequest(c, "InvalidRequest", "cursor must be an integer")
		}
		cursor = &n
	}

	ctx := c.Request().Context()

	ch, cancel, err := s.events.Subscribe(ctx, cursor)
	if err != nil {
		ws, upErr := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
		if upErr != nil {
			return nil
		}
		defer ws.Close()
		code := pdserr.CodeOf(err)
		if code == "" {
			code = "InternalError"
		}
		if frame, ferr := events.EncodeErrorFrame(code, err.Error()); ferr == nil {
			_ = ws.WriteMessage(websocket.BinaryMessage, frame)
		}
		return nil
	}
	defer cancel()

	ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("server: websocket upgrade: %v", err)
		return nil
	}
	defer ws.Close()

	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return nil
			}
			if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return nil
			}
		case <-disconnected:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
