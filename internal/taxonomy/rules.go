package taxonomy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
)

// DefaultRulesVersion identifies the built-in keyword rules.
const DefaultRulesVersion = "2025.1"

// Rule assigns L1/L2 when any keyword occurs in description or counterparty.
// Platforms restricts the rule when non-empty.
type Rule struct {
	Name      string   `mapstructure:"name" json:"name"`
	Priority  int      `mapstructure:"priority" json:"priority"`
	L1        string   `mapstructure:"l1" json:"l1"`
	L2        string   `mapstructure:"l2" json:"l2"`
	Keywords  []string `mapstructure:"keywords" json:"keywords"`
	Platforms []string `mapstructure:"platforms" json:"platforms,omitempty"`
}

// RuleSet is a versioned, priority-ranked list of keyword rules.
type RuleSet struct {
	Version string `mapstructure:"version" json:"version"`
	Rules   []Rule `mapstructure:"rules" json:"rules"`
}

// DefaultRuleSet returns the built-in rules, already ranked.
func DefaultRuleSet() *RuleSet {
	rs := &RuleSet{
		Version: DefaultRulesVersion,
		Rules: []Rule{
			{Name: "delivery", Priority: 90, L1: "餐饮美食", L2: "外卖配送", Keywords: []string{"外卖", "饿了么", "美团外卖", "delivery"}},
			{Name: "coffee", Priority: 80, L1: "餐饮美食", L2: "咖啡饮品", Keywords: []string{"咖啡", "瑞幸", "星巴克", "奶茶", "喜茶", "蜜雪", "coffee", "starbucks"}},
			{Name: "bakery", Priority: 70, L1: "餐饮美食", L2: "烘焙甜点", Keywords: []string{"面包", "蛋糕", "烘焙", "bakery"}},
			{Name: "fast_food", Priority: 70, L1: "餐饮美食", L2: "快餐简餐", Keywords: []string{"麦当劳", "肯德基", "汉堡", "快餐", "mcdonald", "kfc"}},
			{Name: "vending", Priority: 60, L1: "餐饮美食", L2: "自动售货/零食", Keywords: []string{"自动售货", "售货机", "零食"}},
			{Name: "fresh", Priority: 60, L1: "餐饮美食", L2: "生鲜超市", Keywords: []string{"生鲜", "盒马", "叮咚", "朴朴"}},
			{Name: "dining", Priority: 50, L1: "餐饮美食", L2: "堂食正餐", Keywords: []string{"餐厅", "饭店", "火锅", "烧烤", "restaurant"}},

			{Name: "etc_toll", Priority: 85, L1: "交通出行", L2: "高速/ETC", Keywords: []string{"ETC通行", "高速", "通行费"}},
			{Name: "ride_hailing", Priority: 80, L1: "交通出行", L2: "网约车/打车", Keywords: []string{"滴滴", "高德打车", "曹操出行", "T3出行", "打车", "uber"}},
			{Name: "bike", Priority: 80, L1: "交通出行", L2: "共享单车", Keywords: []string{"哈啰", "青桔", "美团单车", "单车"}},
			{Name: "transit", Priority: 75, L1: "交通出行", L2: "公共交通", Keywords: []string{"地铁", "公交", "轨道交通", "metro"}},
			{Name: "tickets", Priority: 75, L1: "交通出行", L2: "机票火车票", Keywords: []string{"12306", "铁路", "航空", "机票", "携程机票"}},

			{Name: "parking", Priority: 85, L1: "爱车养车", L2: "停车费", Keywords: []string{"停车", "parking"}},
			{Name: "charging", Priority: 85, L1: "爱车养车", L2: "新能源充电", Keywords: []string{"充电桩", "特来电", "星星充电", "超充"}},
			{Name: "fuel", Priority: 80, L1: "爱车养车", L2: "加油", Keywords: []string{"加油", "中石化", "中石油", "壳牌"}},
			{Name: "car_wash", Priority: 70, L1: "爱车养车", L2: "洗车", Keywords: []string{"洗车"}},

			{Name: "rent", Priority: 80, L1: "住房物业", L2: "房租", Keywords: []string{"房租", "租金", "自如"}},
			{Name: "property_fee", Priority: 80, L1: "住房物业", L2: "物业费", Keywords: []string{"物业"}},

			{Name: "convenience_store", Priority: 65, L1: "日用百货", L2: "线下超市/便利店", Keywords: []string{"便利店", "超市", "全家", "罗森", "7-11", "711", "美宜佳"}},
			{Name: "flowers", Priority: 60, L1: "日用百货", L2: "鲜花绿植", Keywords: []string{"鲜花", "花店", "绿植"}},
			{Name: "online_groceries", Priority: 40, L1: "日用百货", L2: "线上日杂", Keywords: []string{"淘宝", "天猫", "拼多多", "京东"}},

			{Name: "phone_topup", Priority: 85, L1: "充值缴费", L2: "话费流量", Keywords: []string{"话费", "流量", "中国移动", "中国联通", "中国电信"}},
			{Name: "subscription", Priority: 75, L1: "充值缴费", L2: "会员订阅", Keywords: []string{"会员", "VIP", "订阅", "icloud", "netflix", "spotify"}},
			{Name: "utilities", Priority: 75, L1: "充值缴费", L2: "水电燃气缴费", Keywords: []string{"电费", "水费", "燃气", "国家电网"}},

			{Name: "cinema", Priority: 70, L1: "文化休闲", L2: "电影演出", Keywords: []string{"电影", "影城", "猫眼", "演出", "cinema"}},
			{Name: "books", Priority: 65, L1: "文化休闲", L2: "书籍", Keywords: []string{"书店", "图书", "kindle"}},
			{Name: "massage", Priority: 65, L1: "文化休闲", L2: "按摩/休闲", Keywords: []string{"按摩", "足疗", "洗浴", "spa"}},
			{Name: "fitness", Priority: 65, L1: "文化休闲", L2: "运动健身", Keywords: []string{"健身", "游泳", "羽毛球", "gym"}},

			{Name: "pharmacy", Priority: 80, L1: "医疗健康", L2: "药品", Keywords: []string{"药房", "大药房", "药店", "pharmacy"}},
			{Name: "hospital", Priority: 80, L1: "医疗健康", L2: "就医/体检", Keywords: []string{"医院", "诊所", "体检", "挂号"}},

			{Name: "courier", Priority: 70, L1: "生活服务", L2: "快递", Keywords: []string{"顺丰", "快递", "中通", "圆通", "菜鸟"}},
			{Name: "housekeeping", Priority: 60, L1: "生活服务", L2: "家政", Keywords: []string{"家政", "保洁"}},

			{Name: "hotel", Priority: 80, L1: "酒店旅游", L2: "酒店住宿", Keywords: []string{"酒店", "宾馆", "民宿", "hotel", "airbnb"}},
			{Name: "attractions", Priority: 70, L1: "酒店旅游", L2: "景区门票", Keywords: []string{"景区", "门票", "乐园"}},

			{Name: "haircut", Priority: 70, L1: "美容美发", L2: "美发", Keywords: []string{"理发", "美发", "发型"}},
			{Name: "cosmetics", Priority: 60, L1: "美容美发", L2: "美妆个护", Keywords: []string{"丝芙兰", "屈臣氏", "美妆"}},

			{Name: "clothing", Priority: 55, L1: "服饰装扮", L2: "服装", Keywords: []string{"优衣库", "zara", "服装", "uniqlo"}},
			{Name: "shoes", Priority: 55, L1: "服饰装扮", L2: "鞋靴", Keywords: []string{"鞋", "nike", "adidas"}},

			{Name: "electronics", Priority: 55, L1: "数码电器", L2: "手机/电子产品", Keywords: []string{"apple store", "华为", "小米", "数码"}},
		},
	}
	rs.sort()
	return rs
}

// LoadRuleSet reads a YAML/JSON/TOML rule file with a dedicated viper
// instance and validates every rule against the tree.
func LoadRuleSet(path string, tree *Tree) (*RuleSet, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("LoadRuleSet: read %s: %w", path, err)
	}

	var rs RuleSet
	if err := v.Unmarshal(&rs); err != nil {
		return nil, fmt.Errorf("LoadRuleSet: decode %s: %w", path, err)
	}
	if err := rs.Validate(tree); err != nil {
		return nil, fmt.Errorf("LoadRuleSet: %w", err)
	}
	rs.sort()
	return &rs, nil
}

// Validate checks the version, names and categories of every rule.
func (rs *RuleSet) Validate(tree *Tree) error {
	var errs []error
	if strings.TrimSpace(rs.Version) == "" {
		errs = append(errs, fmt.Errorf("rule set version is required: %w", domain.ErrValidation))
	}
	seen := make(map[string]bool, len(rs.Rules))
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("rule %d: name is required: %w", i, domain.ErrValidation))
		} else if seen[r.Name] {
			errs = append(errs, fmt.Errorf("rule %q: duplicate name: %w", r.Name, domain.ErrValidation))
		}
		seen[r.Name] = true
		if len(r.Keywords) == 0 {
			errs = append(errs, fmt.Errorf("rule %q: no keywords: %w", r.Name, domain.ErrValidation))
		}
		l1, l2, err := tree.Canonical(r.L1, r.L2)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
			continue
		}
		r.L1, r.L2 = l1, l2
	}
	return errors.Join(errs...)
}

// Match returns the first rule, in rank order, whose keyword occurs in the record.
func (rs *RuleSet) Match(rec *domain.LedgerRecord) (*Rule, bool) {
	return rs.match(rec, "")
}

// MatchL1 is Match restricted to the rules of one L1 category.
func (rs *RuleSet) MatchL1(rec *domain.LedgerRecord, l1 string) (*Rule, bool) {
	return rs.match(rec, l1)
}

func (rs *RuleSet) match(rec *domain.LedgerRecord, l1 string) (*Rule, bool) {
	text := strings.ToLower(rec.Description + " " + rec.Counterparty)
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if (l1 != "" && r.L1 != l1) || !r.appliesTo(rec.Platform) {
			continue
		}
		for _, kw := range r.Keywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				return r, true
			}
		}
	}
	return nil, false
}

// FirstForL1 returns the highest ranked rule of an L1 category.
func (rs *RuleSet) FirstForL1(l1 string) (*Rule, bool) {
	for i := range rs.Rules {
		if rs.Rules[i].L1 == l1 {
			return &rs.Rules[i], true
		}
	}
	return nil, false
}

func (r *Rule) appliesTo(platform string) bool {
	if len(r.Platforms) == 0 {
		return true
	}
	for _, p := range r.Platforms {
		if strings.EqualFold(p, platform) {
			return true
		}
	}
	return false
}

// sort ranks by priority descending, keeping declaration order on ties.
func (rs *RuleSet) sort() {
	sort.SliceStable(rs.Rules, func(i, j int) bool {
		return rs.Rules[i].Priority > rs.Rules[j].Priority
	})
}
