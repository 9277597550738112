// Package entrycodec serializes cached responses to their HTTP/1.1 wire
// representation and back. The insertion time travels inside the encoded
// bytes as a synthetic header, which is stripped again on decode.
package entrycodec

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// StoredAtHeader records when a response was written to the cache.
// It exists solely for staleness computation and is never served to callers.
const StoredAtHeader = "Offcache-Stored-At"

// StoredResponse is the decoded form of a cached response.
type StoredResponse struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// ToBytes encodes the response as HTTP/1.1 bytes, with the insertion time
// added as a header.
func ToBytes(sr StoredResponse) ([]byte, error) {
	header := make(http.Header, len(sr.Header)+1)
	for name, values := range sr.Header {
		for _, value := range values {
			header.Add(name, value)
		}
	}
	header.Set(StoredAtHeader, strconv.FormatInt(sr.StoredAt.Unix(), 10))

	res := &http.Response{
		StatusCode:    sr.Status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(sr.Body)),
		ContentLength: int64(len(sr.Body)),
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("encoding stored response: %w", err)
	}
	return buf.Bytes(), nil
}

// FromBytes decodes HTTP/1.1 bytes produced by ToBytes.
func FromBytes(b []byte) (StoredResponse, error) {
	sr := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return sr, fmt.Errorf("decoding stored response: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return sr, fmt.Errorf("reading stored response body: %w", err)
	}
	storedAtInt, err := strconv.ParseInt(res.Header.Get(StoredAtHeader), 10, 64)
	if err != nil {
		return sr, fmt.Errorf("stored response has no insertion time: %w", err)
	}
	res.Header.Del(StoredAtHeader)
	sr.Status = res.StatusCode
	sr.Header = res.Header
	sr.Body = body
	sr.StoredAt = time.Unix(storedAtInt, 0)
	return sr, nil
}
