package idoklad

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Resource is a thin handle on one API collection, e.g. IssuedInvoices or
// Contacts.
type Resource struct {
	client *Client
	path   string
}

func (c *Client) Resource(path string) *Resource {
	return &Resource{client: c, path: path}
}

func (r *Resource) List(ctx context.Context, query url.Values) (json.RawMessage, error) {
	return r.client.Request(ctx, http.MethodGet, r.path, Options{Query: query})
}

func (r *Resource) Detail(ctx context.Context, id int64) (json.RawMessage, error) {
	return r.client.Request(ctx, http.MethodGet, r.path+"/"+strconv.FormatInt(id, 10), Options{})
}

func (r *Resource) Create(ctx context.Context, payload any) (json.RawMessage, error) {
	return r.client.Request(ctx, http.MethodPost, r.path, Options{JSON: payload})
}

func (r *Resource) Update(ctx context.Context, id int64, payload any) (json.RawMessage, error) {
	return r.client.Request(ctx, http.MethodPatch, r.path+"/"+strconv.FormatInt(id, 10), Options{JSON: payload})
}

func (r *Resource) Delete(ctx context.Context, id int64) error {
	_, err := r.client.Request(ctx, http.MethodDelete, r.path+"/"+strconv.FormatInt(id, 10), Options{})
	return err
}

// Action invokes a named sub-resource operation, e.g. Send or Copy.
func (r *Resource) Action(ctx context.Context, id int64, name string, payload any) (json.RawMessage, error) {
	path := r.path + "/" + strconv.FormatInt(id, 10) + "/" + name
	return r.client.Request(ctx, http.MethodPost, path, Options{JSON: payload})
}

// unwrapData peels the envelope some endpoints put around their payload.
func unwrapData(raw json.RawMessage) json.RawMessage {
	var envelope struct {
		Data json.RawMessage `json:"Data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Data) > 0 {
		return envelope.Data
	}
	return raw
}

// listItems decodes a list response into generic rows, handling both the
// bare-array and Data-wrapped shapes.
func listItems(raw json.RawMessage) ([]map[string]any, error) {
	raw = unwrapData(raw)

	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err == nil {
		return items, nil
	}

	var wrapped struct {
		Items []map[string]any `json:"Items"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Items != nil {
		return wrapped.Items, nil
	}
	return nil, fmt.Errorf("idoklad: unrecognized list response shape")
}
