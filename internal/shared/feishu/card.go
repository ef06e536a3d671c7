package feishu

import (
	"context"
	"encoding/json"
	"fmt"
)

// SendCard 向告警群推送卡片
func (c *Client) SendCard(ctx context.Context, chatID string, card InteractiveCard) error {
	content, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("序列化卡片失败: %w", err)
	}
	msg := chatMessage{ReceiveID: chatID, MsgType: "interactive", Content: string(content)}
	if err := c.postMessage(ctx, msg); err != nil {
		return fmt.Errorf("发送告警卡片失败: %w", err)
	}
	return nil
}

// =============================================================================
// 询价卡片模板
// =============================================================================

// BidCardInfo 卡片公共字段
type BidCardInfo struct {
	ProjectName  string
	RequestTitle string
	SupplierName string
	DetailURL    string // 内部系统询价单链接，可为空
}

func bidFields(info BidCardInfo) CardElement {
	return CardElement{
		Tag: "div",
		Fields: []CardField{
			{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**项目**\n%s", info.ProjectName)}},
			{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**询价单**\n%s", info.RequestTitle)}},
			{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**供应商**\n%s", info.SupplierName)}},
		},
	}
}

func withDetailButton(elements []CardElement, url string) []CardElement {
	if url == "" {
		return elements
	}
	return append(elements, CardElement{
		Tag: "action",
		Actions: []CardAction{{
			Tag:  "button",
			Text: CardText{Tag: "plain_text", Content: "查看询价单"},
			Type: "primary",
			URL:  url,
		}},
	})
}

// NewBidResponseCard 供应商提交报价通知
// revision > 1 表示供应商更新了报价
func NewBidResponseCard(info BidCardInfo, totalAmount float64, revision int) InteractiveCard {
	title := "💰 收到供应商报价"
	if revision > 1 {
		title = fmt.Sprintf("💰 供应商更新报价（第%d版）", revision)
	}

	elements := []CardElement{
		bidFields(info),
		{
			Tag:  "div",
			Text: &CardText{Tag: "lark_md", Content: fmt.Sprintf("**报价总额**\n%.2f", totalAmount)},
		},
	}

	return InteractiveCard{
		Config: &CardConfig{WideScreenMode: true},
		Header: &CardHeader{
			Title:    CardText{Tag: "plain_text", Content: title},
			Template: "green",
		},
		Elements: withDetailButton(elements, info.DetailURL),
	}
}

// NewBidDeclinedCard 供应商拒绝报价通知
func NewBidDeclinedCard(info BidCardInfo, reason string) InteractiveCard {
	elements := []CardElement{bidFields(info)}
	if reason != "" {
		elements = append(elements,
			CardElement{Tag: "hr"},
			CardElement{
				Tag:  "div",
				Text: &CardText{Tag: "lark_md", Content: fmt.Sprintf("**拒绝原因**\n%s", reason)},
			},
		)
	}

	return InteractiveCard{
		Config: &CardConfig{WideScreenMode: true},
		Header: &CardHeader{
			Title:    CardText{Tag: "plain_text", Content: "🚫 供应商拒绝报价"},
			Template: "orange",
		},
		Elements: withDetailButton(elements, info.DetailURL),
	}
}

// NewPINLockoutCard 门户PIN连续错误被锁定
func NewPINLockoutCard(info BidCardInfo, lockedUntil string) InteractiveCard {
	return InteractiveCard{
		Config: &CardConfig{WideScreenMode: true},
		Header: &CardHeader{
			Title:    CardText{Tag: "plain_text", Content: "🔒 报价门户访问已锁定"},
			Template: "red",
		},
		Elements: []CardElement{
			bidFields(info),
			{
				Tag:  "div",
				Text: &CardText{Tag: "lark_md", Content: fmt.Sprintf("**解锁时间**\n%s", lockedUntil)},
			},
			{Tag: "hr"},
			{
				Tag: "note",
				Elements: []CardElement{
					{Tag: "plain_text", Content: "如为供应商本人操作，可在询价单中重新生成访问凭证"},
				},
			},
		},
	}
}

// NewDeliveryFailedCard 询价邀请投递失败
func NewDeliveryFailedCard(info BidCardInfo, errMsg string) InteractiveCard {
	return InteractiveCard{
		Config: &CardConfig{WideScreenMode: true},
		Header: &CardHeader{
			Title:    CardText{Tag: "plain_text", Content: "⚠️ 询价邀请发送失败"},
			Template: "red",
		},
		Elements: withDetailButton([]CardElement{
			bidFields(info),
			{
				Tag:  "div",
				Text: &CardText{Tag: "lark_md", Content: fmt.Sprintf("**错误信息**\n%s", errMsg)},
			},
		}, info.DetailURL),
	}
}
