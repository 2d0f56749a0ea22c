package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	RenderRadio            = "radio"
	RenderQuantity         = "quantity"
	RenderItemQuantity     = "item_quantity"
	RenderCheckbox         = "checkbox"
	RenderPWYW             = "pwyw"
	RenderCheckboxQuantity = "checkbox_quantity"
	RenderPWYWQuantity     = "pwyw_quantity"
)

const (
	DefaultReservation = time.Hour
	VoucherReservation = time.Hour
)

type Category struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	LimitPerUser *int   `json:"limit_per_user,omitempty"`
	Required     bool   `json:"required"`
	Order        int    `json:"order"`
	RenderType   string `json:"render_type"`
}

// SingleChoice reports whether at most one product of the category may be held at a time.
func (c Category) SingleChoice() bool {
	return c.RenderType == RenderRadio
}

// UnitOnly reports whether each product of the category may be held at most once.
func (c Category) UnitOnly() bool {
	return c.RenderType == RenderRadio || c.RenderType == RenderCheckbox
}

type TimeSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps compares half-open intervals [Start, End).
func (s TimeSlot) Overlaps(other TimeSlot) bool {
	return s.Start.Before(other.End) && other.Start.Before(s.End)
}

type Product struct {
	ID                 string         `json:"id"`
	CategoryID         string         `json:"category_id"`
	Name               string         `json:"name"`
	Description        string         `json:"description,omitempty"`
	PriceCents         int64          `json:"price_cents"`
	LimitPerUser       *int           `json:"limit_per_user,omitempty"`
	PayWhatYouWant     bool           `json:"pay_what_you_want"`
	ReservationMinutes int            `json:"reservation_minutes,omitempty"`
	Order              int            `json:"order"`
	Slot               *TimeSlot      `json:"slot,omitempty"`
	IsDonation         bool           `json:"is_donation"`
	AdditionalData     map[string]any `json:"additional_data,omitempty"`
}

func (p Product) Reservation() time.Duration {
	if p.ReservationMinutes <= 0 {
		return DefaultReservation
	}
	return time.Duration(p.ReservationMinutes) * time.Minute
}

type Voucher struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Recipient string `json:"recipient"`
	Limit     int    `json:"limit"`
}

func NormalizeVoucherCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

type ConditionKind string

const (
	ConditionTimeOrStock     ConditionKind = "time_or_stock"
	ConditionVoucher         ConditionKind = "voucher"
	ConditionIncludedProduct ConditionKind = "included_product"
	ConditionCategory        ConditionKind = "category"
	ConditionSpeaker         ConditionKind = "speaker"
	ConditionGroupMember     ConditionKind = "group_member"
)

type TimeOrStockCondition struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
	Limit *int       `json:"limit,omitempty"`
}

// InWindow treats a nil bound as unbounded.
func (c TimeOrStockCondition) InWindow(now time.Time) bool {
	if c.Start != nil && now.Before(*c.Start) {
		return false
	}
	if c.End != nil && now.After(*c.End) {
		return false
	}
	return true
}

type VoucherCondition struct {
	VoucherID string `json:"voucher_id"`
}

type IncludedProductCondition struct {
	EnablingProductIDs []string `json:"enabling_product_ids"`
}

type CategoryCondition struct {
	EnablingCategoryID string `json:"enabling_category_id"`
}

type SpeakerCondition struct {
	IsPresenter   bool     `json:"is_presenter"`
	IsCopresenter bool     `json:"is_copresenter"`
	ProposalKinds []string `json:"proposal_kinds"`
}

type GroupMemberCondition struct {
	Groups []string `json:"groups"`
}

// Condition is a closed variant: Kind selects which one of the payload fields is set.
type Condition struct {
	Kind            ConditionKind             `json:"kind"`
	TimeOrStock     *TimeOrStockCondition     `json:"time_or_stock,omitempty"`
	Voucher         *VoucherCondition         `json:"voucher,omitempty"`
	IncludedProduct *IncludedProductCondition `json:"included_product,omitempty"`
	Category        *CategoryCondition        `json:"category,omitempty"`
	Speaker         *SpeakerCondition         `json:"speaker,omitempty"`
	GroupMember     *GroupMemberCondition     `json:"group_member,omitempty"`
}

func (c Condition) Validate() error {
	set := 0
	for _, present := range []bool{
		c.TimeOrStock != nil,
		c.Voucher != nil,
		c.IncludedProduct != nil,
		c.Category != nil,
		c.Speaker != nil,
		c.GroupMember != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("condition %q must carry exactly one payload, got %d", c.Kind, set)
	}

	var ok bool
	switch c.Kind {
	case ConditionTimeOrStock:
		ok = c.TimeOrStock != nil
		if ok && c.TimeOrStock.Limit != nil && *c.TimeOrStock.Limit < 0 {
			return fmt.Errorf("time_or_stock limit must not be negative")
		}
	case ConditionVoucher:
		ok = c.Voucher != nil && c.Voucher.VoucherID != ""
	case ConditionIncludedProduct:
		ok = c.IncludedProduct != nil && len(c.IncludedProduct.EnablingProductIDs) > 0
	case ConditionCategory:
		ok = c.Category != nil && c.Category.EnablingCategoryID != ""
	case ConditionSpeaker:
		ok = c.Speaker != nil
	case ConditionGroupMember:
		ok = c.GroupMember != nil && len(c.GroupMember.Groups) > 0
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	if !ok {
		return fmt.Errorf("condition %q payload missing or incomplete", c.Kind)
	}
	return nil
}

type DiscountForProduct struct {
	ProductID  string   `json:"product_id"`
	Percentage *float64 `json:"percentage,omitempty"`
	PriceCents *int64   `json:"price_cents,omitempty"`
	Quantity   int      `json:"quantity"`
}

type DiscountForCategory struct {
	CategoryID string  `json:"category_id"`
	Percentage float64 `json:"percentage"`
	Quantity   int     `json:"quantity"`
}

type Discount struct {
	ID              string                `json:"id"`
	Description     string                `json:"description"`
	Condition       Condition             `json:"condition"`
	ProductClauses  []DiscountForProduct  `json:"product_clauses,omitempty"`
	CategoryClauses []DiscountForCategory `json:"category_clauses,omitempty"`
}

// Validate checks clause shape and that no product is reachable through both a product
// clause and a category clause of the same discount.
func (d Discount) Validate(products map[string]Product) error {
	if d.ID == "" || strings.TrimSpace(d.Description) == "" {
		return fmt.Errorf("discount id and description are required")
	}
	if err := d.Condition.Validate(); err != nil {
		return fmt.Errorf("discount %s: %w", d.ID, err)
	}
	if d.Condition.Kind == ConditionCategory {
		return fmt.Errorf("discount %s: category conditions only apply to flags", d.ID)
	}

	categories := make(map[string]struct{}, len(d.CategoryClauses))
	for _, clause := range d.CategoryClauses {
		if clause.Percentage <= 0 || clause.Percentage > 100 {
			return fmt.Errorf("discount %s: category %s percentage out of range", d.ID, clause.CategoryID)
		}
		if clause.Quantity < 0 {
			return fmt.Errorf("discount %s: category %s quantity must not be negative", d.ID, clause.CategoryID)
		}
		if _, dup := categories[clause.CategoryID]; dup {
			return fmt.Errorf("discount %s: category %s listed twice", d.ID, clause.CategoryID)
		}
		categories[clause.CategoryID] = struct{}{}
	}

	seen := make(map[string]struct{}, len(d.ProductClauses))
	for _, clause := range d.ProductClauses {
		if (clause.Percentage == nil) == (clause.PriceCents == nil) {
			return fmt.Errorf("discount %s: product %s needs exactly one of percentage or price", d.ID, clause.ProductID)
		}
		if clause.Percentage != nil && (*clause.Percentage <= 0 || *clause.Percentage > 100) {
			return fmt.Errorf("discount %s: product %s percentage out of range", d.ID, clause.ProductID)
		}
		if clause.PriceCents != nil && *clause.PriceCents < 0 {
			return fmt.Errorf("discount %s: product %s price must not be negative", d.ID, clause.ProductID)
		}
		if clause.Quantity < 0 {
			return fmt.Errorf("discount %s: product %s quantity must not be negative", d.ID, clause.ProductID)
		}
		if _, dup := seen[clause.ProductID]; dup {
			return fmt.Errorf("discount %s: product %s listed twice", d.ID, clause.ProductID)
		}
		seen[clause.ProductID] = struct{}{}

		product, ok := products[clause.ProductID]
		if !ok {
			return fmt.Errorf("discount %s: unknown product %s", d.ID, clause.ProductID)
		}
		if _, clash := categories[product.CategoryID]; clash {
			return fmt.Errorf("discount %s: product %s is also covered by its category clause", d.ID, clause.ProductID)
		}
	}
	return nil
}

type FlagMode string

const (
	DisableIfFalse FlagMode = "disable_if_false"
	EnableIfTrue   FlagMode = "enable_if_true"
)

type Flag struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Mode        FlagMode  `json:"mode"`
	Condition   Condition `json:"condition"`
	ProductIDs  []string  `json:"product_ids,omitempty"`
	CategoryIDs []string  `json:"category_ids,omitempty"`
}

// Affects reports whether the product (or its category) is among the flag's effects.
func (f Flag) Affects(product Product) bool {
	for _, id := range f.ProductIDs {
		if id == product.ID {
			return true
		}
	}
	for _, id := range f.CategoryIDs {
		if id == product.CategoryID {
			return true
		}
	}
	return false
}

func (f Flag) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("flag id is required")
	}
	if f.Mode != DisableIfFalse && f.Mode != EnableIfTrue {
		return fmt.Errorf("flag %s: unknown mode %q", f.ID, f.Mode)
	}
	if len(f.ProductIDs) == 0 && len(f.CategoryIDs) == 0 {
		return fmt.Errorf("flag %s: no products or categories affected", f.ID)
	}
	if err := f.Condition.Validate(); err != nil {
		return fmt.Errorf("flag %s: %w", f.ID, err)
	}
	return nil
}

type Catalog struct {
	Categories []Category `json:"categories"`
	Products   []Product  `json:"products"`
	Vouchers   []Voucher  `json:"vouchers,omitempty"`
	Discounts  []Discount `json:"discounts,omitempty"`
	Flags      []Flag     `json:"flags,omitempty"`
}

func (c Catalog) Validate() error {
	categories := make(map[string]struct{}, len(c.Categories))
	for _, category := range c.Categories {
		if category.ID == "" || strings.TrimSpace(category.Name) == "" {
			return fmt.Errorf("category id and name are required")
		}
		if category.LimitPerUser != nil && *category.LimitPerUser < 0 {
			return fmt.Errorf("category %s: limit must not be negative", category.ID)
		}
		categories[category.ID] = struct{}{}
	}

	products := make(map[string]Product, len(c.Products))
	for _, product := range c.Products {
		if product.ID == "" || strings.TrimSpace(product.Name) == "" {
			return fmt.Errorf("product id and name are required")
		}
		if _, ok := categories[product.CategoryID]; !ok {
			return fmt.Errorf("product %s: unknown category %s", product.ID, product.CategoryID)
		}
		if product.PriceCents < 0 {
			return fmt.Errorf("product %s: price must not be negative", product.ID)
		}
		if product.LimitPerUser != nil && *product.LimitPerUser < 0 {
			return fmt.Errorf("product %s: limit must not be negative", product.ID)
		}
		if product.Slot != nil && !product.Slot.Start.Before(product.Slot.End) {
			return fmt.Errorf("product %s: slot must end after it starts", product.ID)
		}
		products[product.ID] = product
	}

	codes := make(map[string]struct{}, len(c.Vouchers))
	for _, voucher := range c.Vouchers {
		code := NormalizeVoucherCode(voucher.Code)
		if voucher.ID == "" || code == "" {
			return fmt.Errorf("voucher id and code are required")
		}
		if _, dup := codes[code]; dup {
			return fmt.Errorf("voucher code %s is not unique", code)
		}
		codes[code] = struct{}{}
	}

	for _, discount := range c.Discounts {
		if err := discount.Validate(products); err != nil {
			return err
		}
	}
	for _, flag := range c.Flags {
		if err := flag.Validate(); err != nil {
			return err
		}
	}
	return nil
}

type SpeakerRole struct {
	ProposalKind string `json:"proposal_kind"`
	Copresenter  bool   `json:"copresenter"`
}

type Attendee struct {
	UserID                string        `json:"user_id"`
	Name                  string        `json:"name"`
	Email                 string        `json:"email"`
	AccessCode            string        `json:"access_code"`
	CompletedRegistration bool          `json:"completed_registration"`
	Groups                []string      `json:"groups,omitempty"`
	SpeakerRoles          []SpeakerRole `json:"speaker_roles,omitempty"`
}

func (a Attendee) InvoiceRecipient() string {
	name := strings.TrimSpace(a.Name)
	if name == "" {
		return a.Email
	}
	if a.Email == "" {
		return name
	}
	return fmt.Sprintf("%s <%s>", name, a.Email)
}
