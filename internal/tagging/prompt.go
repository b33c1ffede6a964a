package tagging

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
)

const instructionTemplate = `你是财务分类专家。请为以下支付交易打上 L1 一级分类和 L2 二级分类。
必须从以下固定清单中选择分类：

%s

每条记录格式: [序号]. [平台] 交易对方 | 商品/服务描述 | 金额

请返回一个 JSON 数组，格式:
[{"index": 1, "l1": "餐饮美食", "l2": "外卖配送"}, ...]

注意：
- 如果平台原始分类有误（例如停车费被标为"数码电器"），请根据商户名和描述纠正
- 对于模糊的记录，根据商户名推断最可能的分类
- L2 必须属于对应 L1 下的子分类
- 只输出 JSON 数组，不要使用 Markdown 代码块`

// Suggestion is one model answer, indexed from 1 within its batch.
type Suggestion struct {
	Index int    `json:"index"`
	L1    string `json:"l1"`
	L2    string `json:"l2"`
}

// BuildPrompt renders the instruction block followed by one line per record.
func BuildPrompt(taxonomyBlock string, batch []*domain.LedgerRecord) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf(instructionTemplate, taxonomyBlock))
	b.WriteString("\n\n")

	for i, rec := range batch {
		counterparty := rec.Counterparty
		if counterparty == "" {
			counterparty = "未知"
		}
		desc := rec.Description
		if desc == "" {
			desc = "无描述"
		}
		fmt.Fprintf(&b, "%d. [%s] %s | %s | ¥%s", i+1, rec.Platform, counterparty, desc, rec.Amount.StringFixed(2))
		if rec.PlatformCategory != "" {
			fmt.Fprintf(&b, " (平台原标签: %s)", rec.PlatformCategory)
		}
		if i < len(batch)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// ParseSuggestions decodes the model output, tolerating Markdown fences and
// surrounding prose.
func ParseSuggestions(raw string) ([]Suggestion, error) {
	clean := cleanModelJSON(raw)
	if clean == "" {
		return nil, fmt.Errorf("ParseSuggestions: empty response")
	}

	var out []Suggestion
	if err := json.Unmarshal([]byte(clean), &out); err != nil {
		return nil, fmt.Errorf("ParseSuggestions: unmarshal JSON: %w\nraw response: %s", err, raw)
	}
	return out, nil
}

func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	// Handle ```json ... ``` or ``` ... ``` wrappers.
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	// Keep only the outermost JSON array if prose surrounds it.
	if start := strings.Index(s, "["); start != -1 {
		if end := strings.LastIndex(s, "]"); end != -1 && end > start {
			s = strings.TrimSpace(s[start : end+1])
		}
	}
	return s
}
