package taxonomy

import "strings"

// Mapping is a platform category translated into the tree. L2 may be empty
// when the platform label only determines the top level.
type Mapping struct {
	L1 string
	L2 string
}

// PlatformMap translates (platform, platform_category) into the tree.
type PlatformMap map[string]map[string]Mapping

// alipayL1 lists Alipay labels that share their name with an L1 category.
var alipayL1 = []string{
	"餐饮美食", "交通出行", "爱车养车", "住房物业", "日用百货", "服饰装扮",
	"数码电器", "充值缴费", "文化休闲", "医疗健康", "商业服务", "生活服务",
	"酒店旅游", "美容美发", "母婴亲子", "家居家装", "保险", "公共服务",
}

// DefaultPlatformMap returns the built-in platform label mapping.
func DefaultPlatformMap() PlatformMap {
	alipay := map[string]Mapping{
		"运动户外": {L1: "文化休闲", L2: "运动健身"},
		"教育培训": {L1: "文化休闲", L2: "会员/知识付费"},
		"宠物":   {L1: "日用百货", L2: "线上日杂"},
		"家居建材": {L1: "家居家装"},
		"其他":   {L1: "其他", L2: "未分类"},
	}
	for _, l1 := range alipayL1 {
		alipay[l1] = Mapping{L1: l1}
	}

	return PlatformMap{
		"alipay": alipay,
		"meituan": {
			"外卖":   {L1: "餐饮美食", L2: "外卖配送"},
			"美食":   {L1: "餐饮美食", L2: "堂食正餐"},
			"酒店":   {L1: "酒店旅游", L2: "酒店住宿"},
			"打车":   {L1: "交通出行", L2: "网约车/打车"},
			"单车":   {L1: "交通出行", L2: "共享单车"},
			"买药":   {L1: "医疗健康", L2: "药品"},
			"闪购":   {L1: "日用百货", L2: "线上日杂"},
			"休闲娱乐": {L1: "文化休闲"},
		},
		"jd": {
			"数码":   {L1: "数码电器", L2: "手机/电子产品"},
			"电脑办公": {L1: "数码电器", L2: "电脑办公"},
			"家用电器": {L1: "数码电器", L2: "智能家居"},
			"食品酒饮": {L1: "餐饮美食", L2: "自动售货/零食"},
			"生鲜":   {L1: "餐饮美食", L2: "生鲜超市"},
			"日用百货": {L1: "日用百货", L2: "线上日杂"},
			"个护清洁": {L1: "日用百货", L2: "日化清洁"},
			"服饰内衣": {L1: "服饰装扮", L2: "服装"},
			"图书":   {L1: "文化休闲", L2: "书籍"},
			"医药健康": {L1: "医疗健康"},
		},
	}
}

// Lookup returns the mapping of a platform label.
func (m PlatformMap) Lookup(platform, category string) (Mapping, bool) {
	category = strings.TrimSpace(category)
	if category == "" {
		return Mapping{}, false
	}
	hit, ok := m[platform][category]
	return hit, ok
}
