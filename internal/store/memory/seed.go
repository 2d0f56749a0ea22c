package memory

import (
	"log"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"

	"confreg/backend/internal/domain"
)

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Passwords come from SEED_STAFF_PASSWORD and SEED_ATTENDEE_PASSWORD; when
// unset, dev defaults are used and a warning is printed.
func seedUsers() map[string]domain.UserAccount {
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff12345")
	attendeePwd := envOr("SEED_ATTENDEE_PASSWORD", "attendee123")
	if os.Getenv("SEED_STAFF_PASSWORD") == "" || os.Getenv("SEED_ATTENDEE_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_STAFF_PASSWORD and SEED_ATTENDEE_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"staff", staffPwd, domain.RoleStaff},
		{"attendee", attendeePwd, domain.RoleAttendee},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New(DemoCatalog(time.Now().UTC()))
	s.users = seedUsers()
	return s
}

// DemoCatalog is a small conference: tickets, shirts, tutorials in parallel
// slots, a dinner and a pay-what-you-want donation.
func DemoCatalog(now time.Time) domain.Catalog {
	one := 1
	two := 2
	earlyBirdStock := 100
	earlyBirdEnd := now.AddDate(0, 1, 0)
	speakerPct := 100.0
	shirtPct := 100.0
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 2, 0)

	return domain.Catalog{
		Categories: []domain.Category{
			{ID: "cat-ticket", Name: "Ticket", LimitPerUser: &one, Required: true, Order: 1, RenderType: domain.RenderRadio},
			{ID: "cat-shirt", Name: "T-Shirt", Order: 2, RenderType: domain.RenderItemQuantity},
			{ID: "cat-tutorial", Name: "Tutorial", Order: 3, RenderType: domain.RenderCheckbox},
			{ID: "cat-dinner", Name: "Dinner", LimitPerUser: &two, Order: 4, RenderType: domain.RenderQuantity},
			{ID: "cat-donation", Name: "Donation", Order: 5, RenderType: domain.RenderPWYW},
		},
		Products: []domain.Product{
			{ID: "prod-early-bird", CategoryID: "cat-ticket", Name: "Early Bird", PriceCents: 25000, Order: 1},
			{ID: "prod-professional", CategoryID: "cat-ticket", Name: "Professional", PriceCents: 40000, Order: 2},
			{ID: "prod-student", CategoryID: "cat-ticket", Name: "Student", PriceCents: 9000, Order: 3},
			{ID: "prod-shirt-m", CategoryID: "cat-shirt", Name: "Medium", PriceCents: 2500, Order: 1},
			{ID: "prod-shirt-l", CategoryID: "cat-shirt", Name: "Large", PriceCents: 2500, Order: 2},
			{ID: "prod-tut-go", CategoryID: "cat-tutorial", Name: "Concurrency in Go", PriceCents: 8000, Order: 1, LimitPerUser: &one,
				Slot: &domain.TimeSlot{Start: day.Add(9 * time.Hour), End: day.Add(12 * time.Hour)}},
			{ID: "prod-tut-sql", CategoryID: "cat-tutorial", Name: "Postgres Internals", PriceCents: 8000, Order: 2, LimitPerUser: &one,
				Slot: &domain.TimeSlot{Start: day.Add(10 * time.Hour), End: day.Add(13 * time.Hour)}},
			{ID: "prod-tut-k8s", CategoryID: "cat-tutorial", Name: "Operators", PriceCents: 8000, Order: 3, LimitPerUser: &one,
				Slot: &domain.TimeSlot{Start: day.Add(14 * time.Hour), End: day.Add(17 * time.Hour)}},
			{ID: "prod-dinner", CategoryID: "cat-dinner", Name: "Conference Dinner", PriceCents: 6000, Order: 1, ReservationMinutes: 30},
			{ID: "prod-donation", CategoryID: "cat-donation", Name: "Financial Aid", PriceCents: 0, PayWhatYouWant: true, IsDonation: true, Order: 1},
		},
		Vouchers: []domain.Voucher{
			{ID: "voucher-speakers", Code: "SPEAKERS", Recipient: "Accepted speakers", Limit: 50},
		},
		Discounts: []domain.Discount{
			{
				ID:          "disc-speaker-ticket",
				Description: "Speaker ticket",
				Condition: domain.Condition{
					Kind:    domain.ConditionVoucher,
					Voucher: &domain.VoucherCondition{VoucherID: "voucher-speakers"},
				},
				ProductClauses: []domain.DiscountForProduct{
					{ProductID: "prod-professional", Percentage: &speakerPct, Quantity: 1},
				},
			},
			{
				ID:          "disc-ticket-shirt",
				Description: "Shirt included with ticket",
				Condition: domain.Condition{
					Kind: domain.ConditionIncludedProduct,
					IncludedProduct: &domain.IncludedProductCondition{
						EnablingProductIDs: []string{"prod-early-bird", "prod-professional"},
					},
				},
				CategoryClauses: []domain.DiscountForCategory{
					{CategoryID: "cat-shirt", Percentage: shirtPct, Quantity: 1},
				},
			},
		},
		Flags: []domain.Flag{
			{
				ID:          "flag-early-bird",
				Description: "Early bird window",
				Mode:        domain.DisableIfFalse,
				Condition: domain.Condition{
					Kind:        domain.ConditionTimeOrStock,
					TimeOrStock: &domain.TimeOrStockCondition{End: &earlyBirdEnd, Limit: &earlyBirdStock},
				},
				ProductIDs: []string{"prod-early-bird"},
			},
			{
				ID:          "flag-ticket-holders",
				Description: "Requires a ticket",
				Mode:        domain.EnableIfTrue,
				Condition: domain.Condition{
					Kind:     domain.ConditionCategory,
					Category: &domain.CategoryCondition{EnablingCategoryID: "cat-ticket"},
				},
				CategoryIDs: []string{"cat-tutorial", "cat-dinner"},
			},
		},
	}
}
