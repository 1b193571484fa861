package fhir

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"

	berrors "github.com/clinsight/fhir-bridge/bridge/errors"
	models "github.com/clinsight/fhir-bridge/bridge/models/fhir"
)

type Client interface {
	// DoBundleRequest performs the request and decodes one bundle page.
	// nextURL is non-nil when the upstream indicated another page.
	// Failures come back already classified.
	DoBundleRequest(req *http.Request) (bundle *models.Bundle, nextURL *url.URL, err error)

	// DoRaw makes a request and returns the raw response from the service.
	DoRaw(req *http.Request) (string, error)
}

func NewClient(httpClient *http.Client, pageSize int) Client {
	if pageSize == 0 {
		return &singleClient{httpClient}
	}
	return &client{httpClient, strconv.Itoa(pageSize)}
}

// singleClient ensures that the entire bundle response is read in a single
// response (i.e. no paging).
type singleClient struct {
	httpClient *http.Client
}

// Ensure singleClient satisfies the interface
var _ Client = &singleClient{}

func (c *singleClient) DoBundleRequest(req *http.Request) (bundle *models.Bundle, nextURL *url.URL, err error) {
	// A caller-pinned _count is an explicit result limit and stays on the
	// request; otherwise no _count is sent and the entire bundle arrives in
	// a single response.
	b, err := getBundleResponse(c.httpClient, req)
	if err != nil {
		return nil, nil, err
	}
	return b, nil, nil
}

func (c *singleClient) DoRaw(req *http.Request) (string, error) {
	resp, err := getResponse(c.httpClient, req)
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

// client uses paging (controlled by pageSize) to generate the entire bundle
// response.
type client struct {
	httpClient *http.Client
	pageSize   string
}

// Ensure client satisfies the interface
var _ Client = &client{}

func (c *client) DoBundleRequest(req *http.Request) (bundle *models.Bundle, nextURL *url.URL, err error) {
	// Relation that contains the next URL that we should be requesting
	const nextRelation = "next"

	// Set page size to our configured value unless the caller pinned its own
	vals := req.URL.Query()
	pinned := vals.Get("_count") != ""
	if !pinned {
		vals.Set("_count", c.pageSize)
		req.URL.RawQuery = vals.Encode()
	}

	b, err := getBundleResponse(c.httpClient, req)
	if err != nil {
		return nil, nil, err
	}

	// A pinned count is an explicit result limit; never page past it.
	if pinned {
		return b, nil, nil
	}

	var next string
	for _, link := range b.Links {
		if link.Relation == nextRelation {
			next = link.URL
			break
		}
	}

	// We've reached the last page
	if next == "" {
		return b, nil, nil
	}

	u, err := url.Parse(next)
	if err != nil {
		return b, nil, &berrors.MalformedResponseError{Err: err, Msg: "unparseable next link " + next}
	}
	return b, u, nil
}

func (c *client) DoRaw(req *http.Request) (string, error) {
	resp, err := getResponse(c.httpClient, req)
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

func getBundleResponse(c *http.Client, req *http.Request) (*models.Bundle, error) {
	body, err := getResponse(c, req)
	if err != nil {
		return nil, err
	}

	var b models.Bundle
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, &berrors.MalformedResponseError{Err: err, Msg: "response is not a bundle"}
	}

	return &b, nil
}

func getResponse(c *http.Client, req *http.Request) (body []byte, err error) {
	resp, err := c.Do(req)
	if resp != nil {
		/* #nosec -- it's OK for us to ignore errors when attempting to cleanup the response body */
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}()
	}
	if err != nil {
		return nil, berrors.Classify(err, req.URL.String())
	}

	if resp.StatusCode >= http.StatusBadRequest {
		// Attempt to read the body in case it offers valuable troubleshooting info
		body, _ := io.ReadAll(resp.Body)
		return nil, berrors.ClassifyStatus(resp.StatusCode, body)
	}
	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, berrors.Classify(err, req.URL.String())
	}

	return body, nil
}
