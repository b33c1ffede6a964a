// Package taxonomy assigns two-level categories to consumption records.
package taxonomy

import (
	"fmt"
	"strings"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
)

// Node is one L1 category with its ordered L2 children.
type Node struct {
	L1  string   `json:"l1"`
	L2s []string `json:"l2"`
}

// DefaultNodes is the fixed category tree in display order.
var DefaultNodes = []Node{
	{"餐饮美食", []string{"外卖配送", "堂食正餐", "快餐简餐", "咖啡饮品", "自动售货/零食", "生鲜超市", "烘焙甜点"}},
	{"交通出行", []string{"高速/ETC", "网约车/打车", "公共交通", "租车", "机票火车票", "共享单车"}},
	{"爱车养车", []string{"停车费", "新能源充电", "加油", "购车/车辆订单", "车险", "维修保养", "洗车"}},
	{"住房物业", []string{"房租", "物业费", "水电燃气"}},
	{"日用百货", []string{"线上日杂", "线下超市/便利店", "日化清洁", "鲜花绿植"}},
	{"服饰装扮", []string{"鞋靴", "服装", "箱包配饰"}},
	{"数码电器", []string{"手机/电子产品", "电脑办公", "智能家居"}},
	{"充值缴费", []string{"话费流量", "会员订阅", "水电燃气缴费"}},
	{"文化休闲", []string{"电影演出", "会员/知识付费", "书籍", "按摩/休闲", "文创/玩具", "运动健身"}},
	{"医疗健康", []string{"药品", "就医/体检", "保健品/器械"}},
	{"商业服务", []string{"ETC办理", "快递寄件", "以旧换新", "打印/办证"}},
	{"生活服务", []string{"快递", "打印", "家政"}},
	{"酒店旅游", []string{"酒店住宿", "景区门票", "护照签证", "旅行保险", "旅行团费/套餐", "导游/游玩项目", "旅游杂费", "机票火车票", "租车"}},
	{"美容美发", []string{"美发", "美容护肤", "美妆个护"}},
	{"母婴亲子", []string{"玩具", "母婴用品"}},
	{"家居家装", []string{"家具", "五金建材"}},
	{"保险", []string{"人寿保险", "财产保险"}},
	{"公共服务", []string{"政府缴费", "公共设施"}},
	{"其他", []string{"未分类"}},
}

// Tree validates categories against the L1 -> L2 taxonomy.
type Tree struct {
	nodes []Node
	l1    map[string]string            // normalized -> canonical
	l2    map[string]map[string]string // canonical l1 -> normalized l2 -> canonical l2
}

// NewTree builds a tree from nodes; nil selects DefaultNodes.
func NewTree(nodes []Node) *Tree {
	if nodes == nil {
		nodes = DefaultNodes
	}
	t := &Tree{
		nodes: nodes,
		l1:    make(map[string]string),
		l2:    make(map[string]map[string]string),
	}
	for _, n := range nodes {
		t.l1[normalizeCategory(n.L1)] = n.L1
		subs := make(map[string]string, len(n.L2s))
		for _, s := range n.L2s {
			subs[normalizeCategory(s)] = s
		}
		t.l2[n.L1] = subs
	}
	return t
}

// Nodes returns the tree in display order.
func (t *Tree) Nodes() []Node {
	return t.nodes
}

// Canonical validates a pair and returns the canonical spelling.
func (t *Tree) Canonical(l1, l2 string) (string, string, error) {
	canonL1, ok := t.l1[normalizeCategory(l1)]
	if !ok {
		return "", "", fmt.Errorf("invalid category %q: %w", l1, domain.ErrValidation)
	}
	canonL2, ok := t.l2[canonL1][normalizeCategory(l2)]
	if !ok {
		return "", "", fmt.Errorf("invalid subcategory %q for category %q. Valid subcategories: %v: %w",
			l2, canonL1, t.subcategories(canonL1), domain.ErrValidation)
	}
	return canonL1, canonL2, nil
}

// ValidateCategory returns nil when l1/l2 is a pair of the tree.
func (t *Tree) ValidateCategory(l1, l2 string) error {
	_, _, err := t.Canonical(l1, l2)
	return err
}

// HasL1 reports whether l1 names a top-level category.
func (t *Tree) HasL1(l1 string) bool {
	_, ok := t.l1[normalizeCategory(l1)]
	return ok
}

// Coerce accepts an external suggestion: the L1 must exist, an unknown L2
// falls back to the first L2 of that L1.
func (t *Tree) Coerce(l1, l2 string) (string, string, error) {
	canonL1, ok := t.l1[normalizeCategory(l1)]
	if !ok {
		return "", "", fmt.Errorf("invalid category %q: %w", l1, domain.ErrValidation)
	}
	if canonL2, ok := t.l2[canonL1][normalizeCategory(l2)]; ok {
		return canonL1, canonL2, nil
	}
	return canonL1, t.FirstL2(canonL1), nil
}

// FirstL2 returns the first child of l1, or "" when l1 is unknown.
func (t *Tree) FirstL2(l1 string) string {
	canon := t.l1[normalizeCategory(l1)]
	for _, n := range t.nodes {
		if n.L1 == canon && len(n.L2s) > 0 {
			return n.L2s[0]
		}
	}
	return ""
}

// PromptBlock renders the tree as "[L1: a / b / c]" lines for model prompts.
func (t *Tree) PromptBlock() string {
	lines := make([]string, 0, len(t.nodes))
	for _, n := range t.nodes {
		lines = append(lines, "["+n.L1+": "+strings.Join(n.L2s, " / ")+"]")
	}
	return strings.Join(lines, "\n")
}

func (t *Tree) subcategories(l1 string) []string {
	for _, n := range t.nodes {
		if n.L1 == l1 {
			return n.L2s
		}
	}
	return nil
}

// normalizeCategory folds case and surrounding space for comparison.
func normalizeCategory(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
