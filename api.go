package conduit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	retry "github.com/avast/retry-go/v4"
)

// generic request/retry helper around a fire-and-forget http client.
// the connection workers never depend on this; it exists for callers
// that pair a channel with plain request/response calls against the
// same service.

type HttpSettings struct {
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	TlsTimeout     time.Duration

	RetryAttempts uint
	RetryDelay    time.Duration
}

func DefaultHttpSettings() *HttpSettings {
	return &HttpSettings{
		RequestTimeout: 60 * time.Second,
		ConnectTimeout: 5 * time.Second,
		TlsTimeout:     5 * time.Second,
		RetryAttempts:  3,
		RetryDelay:     1 * time.Second,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

func newHttpClient(settings *HttpSettings) *http.Client {
	dialer := &net.Dialer{
		Timeout: settings.ConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.TlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   settings.RequestTimeout,
	}
}

func HttpPost[R any](
	ctx context.Context,
	url string,
	args any,
	byJwt string,
	result R,
	callback apiCallback[R],
	settings *HttpSettings,
) (R, error) {
	if settings == nil {
		settings = DefaultHttpSettings()
	}

	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	client := newHttpClient(settings)
	do := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Add("Content-Type", "text/json")
		if byJwt != "" {
			auth := fmt.Sprintf("Bearer %s", byJwt)
			req.Header.Add("Authorization", auth)
		}

		r, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer r.Body.Close()

		responseBodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		if http.StatusOK != r.StatusCode {
			// the response body is the error message
			errorMessage := strings.TrimSpace(string(responseBodyBytes))
			return nil, errors.New(errorMessage)
		}
		return responseBodyBytes, nil
	}

	responseBodyBytes, err := retry.DoWithData(
		do,
		retry.Attempts(settings.RetryAttempts),
		retry.Delay(settings.RetryDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func HttpGet[R any](
	ctx context.Context,
	url string,
	byJwt string,
	result R,
	callback apiCallback[R],
	settings *HttpSettings,
) (R, error) {
	if settings == nil {
		settings = DefaultHttpSettings()
	}

	client := newHttpClient(settings)
	do := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Add("Content-Type", "text/json")
		if byJwt != "" {
			auth := fmt.Sprintf("Bearer %s", byJwt)
			req.Header.Add("Authorization", auth)
		}

		r, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer r.Body.Close()

		responseBodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		if http.StatusOK != r.StatusCode {
			errorMessage := strings.TrimSpace(string(responseBodyBytes))
			return nil, errors.New(errorMessage)
		}
		return responseBodyBytes, nil
	}

	responseBodyBytes, err := retry.DoWithData(
		do,
		retry.Attempts(settings.RetryAttempts),
		retry.Delay(settings.RetryDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
