package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bitfantasy/bidportal/internal/shared/feishu"
	"go.uber.org/zap"
)

// AlertInfo 告警卡片需要的询价上下文
type AlertInfo struct {
	CompanyID    string
	ProjectID    string
	ProjectName  string
	BidRequestID string
	RequestTitle string
	SupplierName string
}

// Alerter 采购人员告警（尽力而为，失败只记日志）
type Alerter interface {
	BidResponded(ctx context.Context, info AlertInfo, totalAmount float64, revision int)
	BidDeclined(ctx context.Context, info AlertInfo, reason string)
	PINLocked(ctx context.Context, info AlertInfo, until time.Time)
	DeliveryFailed(ctx context.Context, info AlertInfo, errMsg string)
}

// FeishuAlerter 通过飞书群卡片告警
type FeishuAlerter struct {
	client     *feishu.Client
	chatID     string
	appBaseURL string
	logger     *zap.Logger
}

func NewFeishuAlerter(client *feishu.Client, chatID, appBaseURL string, logger *zap.Logger) *FeishuAlerter {
	return &FeishuAlerter{client: client, chatID: chatID, appBaseURL: strings.TrimRight(appBaseURL, "/"), logger: logger}
}

func (a *FeishuAlerter) cardInfo(info AlertInfo) feishu.BidCardInfo {
	detail := ""
	if a.appBaseURL != "" {
		detail = fmt.Sprintf("%s/projects/%s/bid-requests/%s", a.appBaseURL, info.ProjectID, info.BidRequestID)
	}
	return feishu.BidCardInfo{
		ProjectName:  info.ProjectName,
		RequestTitle: info.RequestTitle,
		SupplierName: info.SupplierName,
		DetailURL:    detail,
	}
}

func (a *FeishuAlerter) send(ctx context.Context, kind string, card feishu.InteractiveCard) {
	// 卡片发送不跟随请求取消
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.client.SendCard(ctx, a.chatID, card); err != nil {
		a.logger.Warn("Failed to send feishu alert", zap.String("kind", kind), zap.Error(err))
	}
}

func (a *FeishuAlerter) BidResponded(ctx context.Context, info AlertInfo, totalAmount float64, revision int) {
	a.send(ctx, "bid_response", feishu.NewBidResponseCard(a.cardInfo(info), totalAmount, revision))
}

func (a *FeishuAlerter) BidDeclined(ctx context.Context, info AlertInfo, reason string) {
	a.send(ctx, "bid_decline", feishu.NewBidDeclinedCard(a.cardInfo(info), reason))
}

func (a *FeishuAlerter) PINLocked(ctx context.Context, info AlertInfo, until time.Time) {
	a.send(ctx, "pin_locked", feishu.NewPINLockoutCard(a.cardInfo(info), until.Format("2006-01-02 15:04 MST")))
}

func (a *FeishuAlerter) DeliveryFailed(ctx context.Context, info AlertInfo, errMsg string) {
	a.send(ctx, "delivery_failed", feishu.NewDeliveryFailedCard(a.cardInfo(info), errMsg))
}

// nopAlerter 未配置飞书时使用
type nopAlerter struct{}

func (nopAlerter) BidResponded(context.Context, AlertInfo, float64, int) {}
func (nopAlerter) BidDeclined(context.Context, AlertInfo, string)        {}
func (nopAlerter) PINLocked(context.Context, AlertInfo, time.Time)        {}
func (nopAlerter) DeliveryFailed(context.Context, AlertInfo, string)      {}
