package chat

import (
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/vipcong816/video-editing-agent/internal/agent"
)

var (
	ErrNoAgent    = errors.New("no agent configured")
	ErrEmptyInput = errors.New("empty input")
	ErrBusy       = errors.New("request already in progress")
	ErrNotSignedIn = errors.New("not signed in")

	ErrTimeout      = errors.New("request timed out")
	ErrVideoTimeout = errors.New("video generation timed out")
	ErrNoBody       = errors.New("no response body")

	ErrInvalidMediaResponse   = errors.New("invalid media response")
	ErrInvalidProjectResponse = errors.New("invalid project response")
	ErrStreamRead             = errors.New("stream read failed")
)

// StatusError reports a non-2xx HTTP status from the agent endpoint.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error! status: %d", e.Status)
}

// User-facing copy. The UI shows the banner in the error bar and the
// sentence inside the agent's message bubble.
const (
	noValidResponseText = "抱歉，没有收到有效的响应。"
	parseFailText       = "生成媒体时解析响应失败，请重试。"
	projectDefaultText  = "剪映项目已生成，请点击下方链接下载"
	imageSuccessText    = "已为您成功生成图片，点击下方链接下载"
	videoSuccessText    = "已为您成功生成视频，点击下方链接下载"
	videoPendingText    = "视频生成中，请稍候...这可能需要1-2分钟时间"
	videoTimeoutText    = "视频生成超时，这是正常现象。视频生成通常需要1-2分钟，请稍后再试"
	imagePromptDefault  = "请分析这张图片"
)

// ExchangeError is a classified exchange failure: an internal code for
// programmatic handling, a banner string for the session error state,
// and a sentence written into the agent placeholder before finalizing.
type ExchangeError struct {
	Code     string
	Banner   string
	Sentence string
}

// IsZero reports whether no error is recorded.
func (e ExchangeError) IsZero() bool { return e.Code == "" }

// Classify maps an exchange failure to its user-facing presentation.
// Media-generation agents get dedicated copy; everything else follows
// the transport/status/timeout taxonomy.
func Classify(err error, protocol agent.Protocol, kind agent.MediaKind) ExchangeError {
	if protocol == agent.ProtocolMedia {
		if errors.Is(err, ErrVideoTimeout) {
			return ExchangeError{
				Code:     "video_timeout",
				Banner:   videoTimeoutText,
				Sentence: videoTimeoutText,
			}
		}
		return ExchangeError{
			Code:     "media_failed",
			Banner:   "生成媒体失败，请重试",
			Sentence: "抱歉，生成媒体时遇到问题。请检查您的网络连接或稍后再试。",
		}
	}

	switch {
	case errors.Is(err, ErrTimeout):
		return ExchangeError{
			Code:     "timeout",
			Banner:   "请求超时",
			Sentence: "请求超时，请稍后再试。",
		}
	case isNetworkError(err):
		return ExchangeError{
			Code:     "network",
			Banner:   "网络连接错误，请检查您的网络设置",
			Sentence: "网络连接似乎有问题，请检查您的网络设置后重试。",
		}
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.Status)
	}

	if errors.Is(err, ErrStreamRead) {
		return ExchangeError{
			Code:     "stream_read",
			Banner:   "读取数据失败",
			Sentence: "抱歉，我暂时无法响应您的请求。请稍后重试。",
		}
	}

	return ExchangeError{
		Code:     "send_failed",
		Banner:   "发送消息失败，请重试",
		Sentence: "抱歉，我暂时无法响应您的请求。请稍后重试。",
	}
}

func classifyStatus(status int) ExchangeError {
	e := ExchangeError{
		Code:     fmt.Sprintf("http_%d", status),
		Sentence: "抱歉，我暂时无法响应您的请求。请稍后重试。",
	}
	switch status {
	case 403:
		e.Banner = "服务器拒绝访问，请检查权限"
	case 404:
		e.Banner = "未找到聊天服务端点"
		e.Sentence = "服务暂时不可用，请稍后再试。"
	case 500:
		e.Banner = "服务器内部错误"
		e.Sentence = "服务器暂时遇到问题，请稍后再试。"
	case 503:
		e.Banner = "服务暂时不可用，请稍后再试"
	default:
		e.Banner = fmt.Sprintf("HTTP error! status: %d", status)
	}
	return e
}

func isNetworkError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// Timeouts raced by the controller never reach here; a url.Error
		// means the transport itself failed (DNS, refused, reset).
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// retryBanner is the advisory shown while the stream reader retries a
// failed read.
func retryBanner(attempt, max int) string {
	return fmt.Sprintf("读取数据失败，正在重试(%d/%d)...", attempt, max)
}
