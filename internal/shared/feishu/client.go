package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	defaultBaseURL = "https://open.feishu.cn"
	tokenPath      = "/open-apis/auth/v3/app_access_token/internal"
	messagePath    = "/open-apis/im/v1/messages?receive_id_type=chat_id"
)

// Client 询价告警机器人：只向固定群聊推送交互式卡片
type Client struct {
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewClient 创建告警客户端，凭证为飞书自建应用的app_id/app_secret
func NewClient(appID, appSecret string) *Client {
	return &Client{
		baseURL:    defaultBaseURL,
		appID:      appID,
		appSecret:  appSecret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithBaseURL 替换API地址（测试或私有化部署）
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = baseURL
	return c
}

// apiResult 飞书接口统一的code/msg
type apiResult struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// accessToken 返回缓存的app_access_token，过期前60秒刷新
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.expires) {
		return c.token, nil
	}

	var out struct {
		apiResult
		AppAccessToken string `json:"app_access_token"`
		Expire         int    `json:"expire"`
	}
	body := map[string]string{"app_id": c.appID, "app_secret": c.appSecret}
	if err := c.post(ctx, tokenPath, "", body, &out); err != nil {
		return "", fmt.Errorf("获取飞书token失败: %w", err)
	}

	c.token = out.AppAccessToken
	c.expires = time.Now().Add(time.Duration(out.Expire-60) * time.Second)
	return c.token, nil
}

// postMessage 以机器人身份向群聊发送一条消息
func (c *Client) postMessage(ctx context.Context, msg chatMessage) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	return c.post(ctx, messagePath, token, msg, nil)
}

// post 发送JSON请求并校验HTTP状态与飞书错误码；out可为nil
func (c *Client) post(ctx context.Context, path, token string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("序列化请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("读取响应失败: %w", err)
	}
	var result apiResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("飞书响应无法解析（HTTP %d）: %w", resp.StatusCode, err)
	}
	if result.Code != 0 {
		return fmt.Errorf("飞书API错误[%d]: %s", result.Code, result.Msg)
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}
