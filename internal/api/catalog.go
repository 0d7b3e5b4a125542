package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/and161185/rma-console/internal/errs"
	"github.com/and161185/rma-console/internal/model"
)

// Collection paths of the catalog resources.
const (
	PathDevices    = "/api/devices"
	PathVendors    = "/api/vendors"
	PathCategories = "/api/categories"
	PathOEMs       = "/api/oems"
	PathLinks      = "/api/links"
)

// PathFor returns the collection path of T.
func PathFor[T model.Entity]() string {
	var zero T
	switch any(zero).(type) {
	case model.Device:
		return PathDevices
	case model.Vendor:
		return PathVendors
	case model.Category:
		return PathCategories
	case model.OEM:
		return PathOEMs
	case model.Link:
		return PathLinks
	}
	return ""
}

// List fetches the whole collection of T.
func List[T model.Entity](ctx context.Context, c *Client) ([]T, error) {
	var out []T
	if _, err := c.do(ctx, http.MethodGet, PathFor[T](), nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

// Create posts v and returns the stored record. If the server answers without
// a body, v is returned unchanged.
func Create[T model.Entity](ctx context.Context, c *Client, v T) (T, error) {
	var out T
	found, err := c.do(ctx, http.MethodPost, PathFor[T](), v, &out)
	if err != nil {
		var zero T
		return zero, err
	}
	if !found {
		return v, nil
	}
	return out, nil
}

// Update replaces the record identified by v.EntityID().
func Update[T model.Entity](ctx context.Context, c *Client, v T) (T, error) {
	var zero T
	id := v.EntityID()
	if id == "" {
		return zero, fmt.Errorf("%w: update without id", errs.ErrValidation)
	}
	var out T
	found, err := c.do(ctx, http.MethodPut, PathFor[T]()+"/"+escape(id), v, &out)
	if err != nil {
		return zero, err
	}
	if !found {
		return v, nil
	}
	return out, nil
}

// Delete removes the record with id.
func Delete[T model.Entity](ctx context.Context, c *Client, id string) error {
	if id == "" {
		return fmt.Errorf("%w: delete without id", errs.ErrValidation)
	}
	_, err := c.do(ctx, http.MethodDelete, PathFor[T]()+"/"+escape(id), nil, nil)
	return err
}
