package ficapi

import (
	"context"
	"encoding/json"
	"net/http"
)

// Entity is a client or supplier.
type Entity struct {
	Id        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	VatNumber string `json:"vat_number"`
	TaxCode   string `json:"tax_code"`

	Raw json.RawMessage `json:"-"`
}

// IssuedDocument covers invoices and quotes; Type tells them apart.
type IssuedDocument struct {
	Id          int64       `json:"id"`
	Type        string      `json:"type"`
	Number      json.Number `json:"number"`
	Numeration  string      `json:"numeration"`
	Date        string      `json:"date"`
	AmountGross json.Number `json:"amount_gross"`
	Currency    *struct {
		Code string `json:"code"`
	} `json:"currency"`
	Entity *struct {
		Name string `json:"name"`
	} `json:"entity"`

	Raw json.RawMessage `json:"-"`
}

func (c *Client) GetClient(ctx context.Context, id string) (*Entity, error) {
	return getEntity(ctx, c, "get_client", c.companyPath("/entities/clients/%s", id))
}

func (c *Client) GetSupplier(ctx context.Context, id string) (*Entity, error) {
	return getEntity(ctx, c, "get_supplier", c.companyPath("/entities/suppliers/%s", id))
}

func (c *Client) GetIssuedDocument(ctx context.Context, id string) (*IssuedDocument, error) {
	var out dataEnvelope[json.RawMessage]
	if err := c.do(ctx, "get_issued_document", http.MethodGet, c.companyPath("/issued_documents/%s", id), nil, &out); err != nil {
		return nil, err
	}
	var doc IssuedDocument
	if err := json.Unmarshal(out.Data, &doc); err != nil {
		return nil, &APIError{Kind: ErrUnexpected, Op: "get_issued_document", Message: err.Error()}
	}
	doc.Raw = out.Data
	return &doc, nil
}

func getEntity(ctx context.Context, c *Client, op, path string) (*Entity, error) {
	var out dataEnvelope[json.RawMessage]
	if err := c.do(ctx, op, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	var e Entity
	if err := json.Unmarshal(out.Data, &e); err != nil {
		return nil, &APIError{Kind: ErrUnexpected, Op: op, Message: err.Error()}
	}
	e.Raw = out.Data
	return &e, nil
}
