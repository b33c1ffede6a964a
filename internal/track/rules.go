// Package track routes each record to the consumption or cashflow track.
package track

import (
	"regexp"
	"strings"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
)

// RulesVersion is bumped whenever a rule is added, removed or reordered.
const RulesVersion = "2025.2"

// Rule decides a track for a record when Match returns true.
type Rule struct {
	Name  string
	Track domain.Track
	Match func(rec *domain.LedgerRecord) bool
}

// RuleSet is an ordered rule list; the first matching rule wins.
type RuleSet struct {
	Version string
	Rules   []Rule
}

// hardKeywords mark money movement that is never consumption.
var hardKeywords = []string{
	"转账", "红包", "零钱通", "零钱提现", "余额宝", "理财", "基金", "定期",
	"还款", "提现", "充值到", "转入", "转出", "亲情卡",
	"transfer", "red packet", "red envelope", "top-up", "top up", "withdrawal", "repayment",
}

var (
	alipayCashflowCategories = map[string]bool{
		"转账红包": true,
		"投资理财": true,
		"信用借还": true,
		"收入":   true,
	}
	wechatCashflowTypes = map[string]bool{
		"转账":        true,
		"微信红包（单发）":  true,
		"微信红包（群红包）": true,
		"微信红包":      true,
		"二维码收款":     true,
		"群收款":       true,
	}
	wechatCashflowPatterns = []string{"转入零钱通", "零钱通"}
)

var (
	// 张*、*三、王*明 style masked names.
	maskedName = regexp.MustCompile(`^\p{Han}?\*+\p{Han}*$|^\p{Han}\*\p{Han}$`)
	// 138****1234 style masked phone numbers.
	maskedPhone     = regexp.MustCompile(`\d{3}\*{4}\d{4}`)
	personalMarkers = []string{"个人", "(个人)", "（个人）", "personal"}
	merchantMarkers = []string{
		"公司", "店", "超市", "有限", "商行", "餐厅", "集团", "医院", "药房",
		"store", "shop", "ltd", "inc", "co.", "restaurant", "market",
	}
)

// DefaultRules returns the built-in rule set in evaluation order.
func DefaultRules() *RuleSet {
	return &RuleSet{
		Version: RulesVersion,
		Rules: []Rule{
			{Name: "hard_keyword", Track: domain.TrackCashflow, Match: matchHardKeyword},
			{Name: "alipay_category", Track: domain.TrackCashflow, Match: matchAlipayCategory},
			{Name: "wechat_tx_type", Track: domain.TrackCashflow, Match: matchWeChatType},
			{Name: "wechat_qr_transfer", Track: domain.TrackCashflow, Match: matchWeChatQRTransfer},
			{Name: "repayment_tx_type", Track: domain.TrackCashflow, Match: matchRepayment},
			{Name: "p2p_counterparty", Track: domain.TrackCashflow, Match: matchPeerToPeer},
			{Name: "non_outflow", Track: domain.TrackCashflow, Match: func(rec *domain.LedgerRecord) bool {
				return rec.Direction != domain.DirectionOutflow
			}},
			{Name: "cancelled", Track: domain.TrackCashflow, Match: func(rec *domain.LedgerRecord) bool {
				return rec.Status == domain.StatusCancelled
			}},
			{Name: "default", Track: domain.TrackConsumption, Match: func(*domain.LedgerRecord) bool { return true }},
		},
	}
}

// Decide returns the track and rule name of the first matching rule.
func (rs *RuleSet) Decide(rec *domain.LedgerRecord) (domain.Track, string) {
	for _, r := range rs.Rules {
		if r.Match(rec) {
			return r.Track, r.Name
		}
	}
	return domain.TrackConsumption, "default"
}

func matchHardKeyword(rec *domain.LedgerRecord) bool {
	text := strings.ToLower(rec.Description + " " + rec.Counterparty)
	for _, kw := range hardKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func matchAlipayCategory(rec *domain.LedgerRecord) bool {
	return rec.Platform == "alipay" && alipayCashflowCategories[strings.TrimSpace(rec.PlatformCategory)]
}

func matchWeChatType(rec *domain.LedgerRecord) bool {
	if rec.Platform != "wechat" {
		return false
	}
	txType := strings.TrimSpace(rec.PlatformTxType)
	if wechatCashflowTypes[txType] {
		return true
	}
	for _, p := range wechatCashflowPatterns {
		if strings.Contains(txType, p) {
			return true
		}
	}
	return false
}

// A QR payment whose platform status reads 已转账 is a person-to-person
// transfer. WeChat exports carry no category column, so the status text
// arrives in platform_category.
func matchWeChatQRTransfer(rec *domain.LedgerRecord) bool {
	return rec.Platform == "wechat" &&
		strings.TrimSpace(rec.PlatformTxType) == "扫二维码付款" &&
		strings.Contains(rec.PlatformCategory, "已转账")
}

func matchRepayment(rec *domain.LedgerRecord) bool {
	switch rec.Platform {
	case "meituan", "jd":
		return strings.Contains(rec.PlatformTxType, "还款")
	}
	return false
}

func matchPeerToPeer(rec *domain.LedgerRecord) bool {
	cp := strings.TrimSpace(rec.Counterparty)
	if cp == "" {
		return false
	}
	lower := strings.ToLower(cp)
	for _, m := range merchantMarkers {
		if strings.Contains(lower, m) {
			return false
		}
	}
	if maskedName.MatchString(cp) || maskedPhone.MatchString(cp) {
		return true
	}
	for _, m := range personalMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
