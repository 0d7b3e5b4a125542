package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"

	"go.uber.org/zap"

	"github.com/and161185/rma-console/internal/convert"
	"github.com/and161185/rma-console/internal/errs"
	"github.com/and161185/rma-console/internal/model"
)

// Login exchanges credentials for a principal with its bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (model.Principal, error) {
	var lr convert.LoginResponse
	in := map[string]string{"email": email, "password": password}
	if _, err := c.do(ctx, http.MethodPost, "/api/auth/login", in, &lr); err != nil {
		return model.Principal{}, err
	}
	p := lr.Principal()
	if p.Token == "" {
		return model.Principal{}, fmt.Errorf("%w: login response without token", errs.ErrServer)
	}
	return p, nil
}

func (c *Client) listRMAs(ctx context.Context, path string) ([]model.RMARequest, error) {
	var ws []convert.RMA
	if _, err := c.do(ctx, http.MethodGet, path, nil, &ws); err != nil {
		return nil, err
	}
	out, skipped := convert.FromWireRMAs(ws)
	for _, err := range skipped {
		c.log.Warn("api: skipping rma record", zap.String("path", path), zap.Error(err))
	}
	return out, nil
}

// ListRMAs returns every request (admin view).
func (c *Client) ListRMAs(ctx context.Context) ([]model.RMARequest, error) {
	return c.listRMAs(ctx, "/api/rma")
}

// MyRMAs returns the requests reported by the current principal.
func (c *Client) MyRMAs(ctx context.Context) ([]model.RMARequest, error) {
	return c.listRMAs(ctx, "/api/rma/my-requests")
}

// PendingRMAs returns the requests awaiting review.
func (c *Client) PendingRMAs(ctx context.Context) ([]model.RMARequest, error) {
	return c.listRMAs(ctx, "/api/rma/admin/pending")
}

// RMAOverview returns the server-side statistics document.
func (c *Client) RMAOverview(ctx context.Context) (convert.Overview, error) {
	var ov convert.Overview
	_, err := c.do(ctx, http.MethodGet, "/api/rma/stats/overview", nil, &ov)
	return ov, err
}

// transition decodes an optional RMA document from a transition response.
// A nil result means the server confirmed without returning the request.
func (c *Client) transition(ctx context.Context, method, path string, in any) (*model.RMARequest, error) {
	var w convert.RMA
	found, err := c.do(ctx, method, path, in, &w)
	if err != nil {
		return nil, err
	}
	if !found || (w.ID == "" && w.MongoID == "") {
		return nil, nil
	}
	r, err := convert.FromWireRMA(w)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrServer, err)
	}
	return &r, nil
}

// CreateRMA posts a request without files.
func (c *Client) CreateRMA(ctx context.Context, s model.RMASubmission) (*model.RMARequest, error) {
	return c.transition(ctx, http.MethodPost, "/api/rma", s)
}

// SubmitRMA posts a multipart submission with its files.
func (c *Client) SubmitRMA(ctx context.Context, s model.RMASubmission) (*model.RMARequest, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, kv := range convert.SubmissionFields(s) {
		if kv[1] == "" {
			continue
		}
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return nil, err
		}
	}
	for _, f := range s.Files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{"name": f.Field, "filename": f.Name}))
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(part, f.Data); err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/rma/submit", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var w convert.RMA
	found, err := c.roundTrip(req, &w)
	if err != nil {
		return nil, err
	}
	if !found || (w.ID == "" && w.MongoID == "") {
		return nil, nil
	}
	r, err := convert.FromWireRMA(w)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrServer, err)
	}
	return &r, nil
}

// ApproveRMA approves a pending request.
func (c *Client) ApproveRMA(ctx context.Context, id, notes string) (*model.RMARequest, error) {
	return c.transition(ctx, http.MethodPut, "/api/rma/"+escape(id)+"/approve", map[string]string{"adminNotes": notes})
}

// RejectRMA rejects a pending request.
func (c *Client) RejectRMA(ctx context.Context, id, reason string) (*model.RMARequest, error) {
	return c.transition(ctx, http.MethodPut, "/api/rma/"+escape(id)+"/reject", map[string]string{"rejectionReason": reason})
}

// UpdateRMAStatus moves a request to status.
func (c *Client) UpdateRMAStatus(ctx context.Context, id string, status model.Status, notes string) (*model.RMARequest, error) {
	in := map[string]string{"status": string(status), "adminNotes": notes}
	return c.transition(ctx, http.MethodPut, "/api/rma/"+escape(id)+"/status", in)
}

// DeleteRMA removes a request.
func (c *Client) DeleteRMA(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/rma/"+escape(id), nil, nil)
	return err
}

// Download is an attachment stream; the caller closes Body.
type Download struct {
	Body        io.ReadCloser
	ContentType string
	Filename    string
	Size        int64
}

// DownloadRMAFile fetches an attachment. index < 0 omits the index segment.
func (c *Client) DownloadRMAFile(ctx context.Context, id, fileType string, index int) (*Download, error) {
	p := "/api/rma/" + escape(id) + "/download/" + escape(fileType)
	if index >= 0 {
		p += "/" + strconv.Itoa(index)
	}
	req, err := c.newRequest(ctx, http.MethodGet, p, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "*/*")
	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	d := &Download{Body: resp.Body, ContentType: resp.Header.Get("Content-Type"), Size: resp.ContentLength}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		d.Filename = params["filename"]
	}
	return d, nil
}
