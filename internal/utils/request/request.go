package request

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

var Request = resty.New().SetTransport(&http.Transport{
	Proxy: http.ProxyFromEnvironment, // 通用适配环境变量
}).
	SetRetryCount(3).
	SetRetryWaitTime(500 * time.Millisecond).
	SetTimeout(15 * time.Second)

// ApplyProxy routes every HTTP and websocket client through proxy. The
// exchange SDK and the websocket dialer read the proxy from the environment,
// so it is exported there as well.
func ApplyProxy(proxy string) error {
	if proxy == "" {
		return nil
	}
	if _, err := url.Parse(proxy); err != nil {
		return fmt.Errorf("invalid proxy %q: %w", proxy, err)
	}
	_ = os.Setenv("HTTP_PROXY", proxy)
	_ = os.Setenv("HTTPS_PROXY", proxy)
	Request.SetProxy(proxy)
	return nil
}
