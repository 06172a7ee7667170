package server

import (
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/primal-host/solo-pds/internal/pdserr"
	"github.com/primal-host/solo-pds/internal/repo"
)

func (s *Server) handleCreateRecord(c echo.Context) error {
	var req struct {
		Collection string         `json:"collection"`
		RKey       string         `json:"rkey"`
		Record     map[string]any `json:"record"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "InvalidRequest", "Invalid JSON body")
	}
	if req.Collection == "" || req.Record == nil {
		return badRequest(c, "InvalidRequest", "collection and record are required")
	}

	ctx := c.Request().Context()
	var result repo.WriteResult
	var commit repo.CommitInfo
	var err error
	if req.RKey != "" {
		result, commit, err = s.repos.PutRecord(ctx, req.Collection, req.RKey, req.Record)
	} else {
		result, commit, err = s.repos.CreateRecord(ctx, req.Collection, req.Record)
	}
	if err != nil {
		return repoError(c, "createRecord", err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"uri": result.URI,
		"cid": result.CID.String(),
		"commit": map[string]string{
			"cid": commit.CID.String(),
			"rev": commit.Rev,
		},
	})
}

func (s *Server) handlePutRecord(c echo.Context) error {
	var req struct {
		Collection string         `json:"collection"`
		RKey       string         `json:"rkey"`
		Record     map[string]any `json:"record"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "InvalidRequest", "Invalid JSON body")
	}
	if req.Collection == "" || req.RKey == "" || req.Record == nil {
		return badRequest(c, "InvalidRequest", "collection, rkey, and record are required")
	}

	result, commit, err := s.repos.PutRecord(c.Request().Context(), req.Collection, req.RKey, req.Record)
	if err != nil {
		return repoError(c, "putRecord", err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"uri": result.URI,
		"cid": result.CID.String(),
		"commit": map[string]string{
			"cid": commit.CID.String(),
			"rev": commit.Rev,
		},
	})
}

func (s *Server) handleDeleteRecord(c echo.Context) error {
	var req struct {
		Collection string `json:"collection"`
		RKey       string `json:"rkey"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "InvalidRequest", "Invalid JSON body")
	}
	if req.Collection == "" || req.RKey == "" {
		return badRequest(c, "InvalidRequest", "collection and rkey are required")
	}

	commit, err := s.repos.DeleteRecord(c.Request().Context(), req.Collection, req.RKey)
	if err != nil {
		return repoError(c, "deleteRecord", err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"commit": map[string]string{
			"cid": commit.CID.String(),
			"rev": commit.Rev,
		},
	})
}

func (s *Server) handleApplyWrites(c echo.Context) error {
	var req struct {
		Writes []struct {
			Action     string         `json:"$type"`
			Collection string         `json:"collection"`
			RKey       string         `json:"rkey"`
			Value      map[string]any `json:"value"`
		} `json:"writes"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "InvalidRequest", "Invalid JSON body")
	}
	if len(req.Writes) == 0 {
		return badRequest(c, "InvalidRequest", "writes is required")
	}

	ops := make([]repo.WriteOp, len(req.Writes))
	for i, w := range req.Writes {
		ops[i] = repo.WriteOp{Action: writeAction(w.Action), Collection: w.Collection, RKey: w.RKey, Record: w.Value}
	}

	results, commit, err := s.repos.ApplyWrites(c.Request().Context(), ops)
	if err != nil {
		return repoError(c, "applyWrites", err)
	}

	out := make([]map[string]any, len(results))
	for i, r := range results {
		entry := map[string]any{"uri": r.URI}
		if r.CID.Defined() {
			entry["cid"] = r.CID.String()
		}
		out[i] = entry
	}

	return c.JSON(http.StatusOK, map[string]any{
		"commit": map[string]string{
			"cid": commit.CID.String(),
			"rev": commit.Rev,
		},
		"results": out,
	})
}

// writeAction maps the lexicon $type tag (e.g.
// "com.atproto.repo.applyWrites#create") to the short action name
// repo.WriteOp expects.
func writeAction(typ string) string {
	switch {
	case len(typ) >= 6 && typ[len(typ)-6:] == "create":
		return "create"
	case len(typ) >= 6 && typ[len(typ)-6:] == "update":
		return "update"
	case len(typ) >= 6 && typ[len(typ)-6:] == "delete":
		return "delete"
	default:
		return typ
	}
}

func (s *Server) handleGetRecord(c echo.Context) error {
	collection := c.QueryParam("collection")
	rkey := c.QueryParam("rkey")
	if collection == "" || rkey == "" {
		return badRequest(c, "InvalidRequest", "collection and rkey query parameters are required")
	}

	recordCID, record, err := s.repos.GetRecord(c.Request().Context(), collection, rkey)
	if err != nil {
		return repoError(c, "getRecord", err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"uri":   "at://" + s.id.DID + "/" + collection + "/" + rkey,
		"cid":   recordCID.String(),
		"value": record,
	})
}

func (s *Server) handleListRecords(c echo.Context) error {
	collection := c.QueryParam("collection")
	if collection == "" {
		return badRequest(c, "InvalidRequest", "collection query parameter is required")
	}

	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if n, err := parsePositiveInt(l); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	cursor := c.QueryParam("cursor")

	entries, nextCursor, err := s.repos.ListRecords(c.Request().Context(), collection, limit, cursor)
	if err != nil {
		return repoError(c, "listRecords", err)
	}

	recs := make([]map[string]any, len(entries))
	for i, e := range entries {
		recs[i] = map[string]any{"uri": e.URI, "cid": e.CID.String()}
	}

	resp := map[string]any{"records": recs}
	if nextCursor != "" {
		resp["cursor"] = nextCursor
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDescribeRepo(c echo.Context) error {
	collections, err := s.repos.DescribeRepo(c.Request().Context())
	if err != nil {
		return repoError(c, "describeRepo", err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"handle":          s.id.Handle,
		"did":             s.id.DID,
		"collections":     collections,
		"handleIsCorrect": true,
	})
}

func badRequest(c echo.Context, code, message string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": code, "message": message})
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, pdserr.New("server.parsePositiveInt", pdserr.KindInvalidInput, "not a number")
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

// repoError maps a pdserr.Error's Kind to an HTTP status + body.
func repoError(c echo.Context, op string, err error) error {
	switch pdserr.CodeOf(err) {
	case "InvalidKey":
		return badRequest(c, "InvalidRequest", err.Error())
	}
	if pdserr.Is(err, pdserr.KindNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "RecordNotFound", "message": err.Error()})
	}
	if pdserr.Is(err, pdserr.KindConflict) || pdserr.Is(err, pdserr.KindInvalidInput) {
		return badRequest(c, "InvalidRequest", err.Error())
	}
	log.Printf("server: %s: %v", op, err)
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error":   "InternalError",
		"message": "Failed to " + op,
	})
}
