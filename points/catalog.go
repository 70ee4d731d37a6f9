package points

import (
	"context"
	"errors"
	"net/mail"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Catalog is the CRUD layer over users, companies and offers. Offer deletion
// asks the dispute engine first.
type Catalog struct {
	store    TxStore
	disputes *Disputes
	opts     Options
}

type NewUser struct {
	ID    UserID
	Email string
	Name  string
}

// CreateUser registers an account. Emails are stored lower-cased.
func (c *Catalog) CreateUser(ctx context.Context, in NewUser) (User, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return User{}, err
	}
	u := User{ID: in.ID, Email: email, Name: strings.TrimSpace(in.Name), CreatedAt: c.opts.Now()}
	if u.ID == "" {
		u.ID = UserID(newID("usr_"))
	}
	if err := c.store.InsertUser(ctx, u); err != nil {
		return User{}, err
	}
	return u, nil
}

// UserByEmail matches case-insensitively.
func (c *Catalog) UserByEmail(ctx context.Context, email string) (User, error) {
	return c.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
}

func (c *Catalog) GetUser(ctx context.Context, id UserID) (User, error) {
	return c.store.GetUser(ctx, id)
}

type NewCompany struct {
	Slug string
	Name string
}

func (c *Catalog) CreateCompany(ctx context.Context, in NewCompany) (Company, error) {
	slug := strings.ToLower(strings.TrimSpace(in.Slug))
	if !slugPattern.MatchString(slug) {
		return Company{}, invalid("slug", "must be lowercase letters, digits and dashes")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Company{}, invalid("name", "required")
	}
	co := Company{ID: CompanyID(newID("co_")), Slug: slug, Name: name, CreatedAt: c.opts.Now()}
	if err := c.store.InsertCompany(ctx, co); err != nil {
		return Company{}, err
	}
	return co, nil
}

type NewOffer struct {
	CompanyRef string
	Slug       string
	Title      string
}

func (c *Catalog) CreateOffer(ctx context.Context, in NewOffer) (Offer, error) {
	slug := strings.ToLower(strings.TrimSpace(in.Slug))
	if !slugPattern.MatchString(slug) {
		return Offer{}, invalid("slug", "must be lowercase letters, digits and dashes")
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return Offer{}, invalid("title", "required")
	}
	co, err := c.ResolveCompany(ctx, in.CompanyRef)
	if err != nil {
		return Offer{}, err
	}
	o := Offer{ID: OfferID(newID("of_")), CompanyID: co.ID, Slug: slug, Title: title, CreatedAt: c.opts.Now()}
	if err := c.store.InsertOffer(ctx, o); err != nil {
		return Offer{}, err
	}
	return o, nil
}

// ResolveCompany accepts a company id or slug.
func (c *Catalog) ResolveCompany(ctx context.Context, ref string) (Company, error) {
	return resolveCompany(ctx, c.store, ref)
}

func (c *Catalog) GetOffer(ctx context.Context, id OfferID) (Offer, error) {
	return c.store.GetOffer(ctx, id)
}

// DeleteOffer removes an offer unless a dispute still references it in an
// unresolved state, in which case *BlockingDisputeError names the count.
func (c *Catalog) DeleteOffer(ctx context.Context, id OfferID) error {
	err := c.store.WithTx(ctx, func(s Store) error {
		if _, err := s.GetOffer(ctx, id); err != nil {
			return err
		}
		n, err := c.disputes.countBlocking(ctx, s, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return &BlockingDisputeError{OfferID: id, Count: n}
		}
		return s.DeleteOffer(ctx, id)
	})
	if err != nil {
		return err
	}
	c.opts.Logger.Info("offer deleted", zap.String("offer_id", string(id)))
	return nil
}

// companyRef is what a redemption targets: a company and maybe one offer.
type companyRef struct {
	CompanyID CompanyID
	OfferID   OfferID
}

// resolveRef tries company id, company slug, offer id, offer slug in order.
func resolveRef(ctx context.Context, s Store, ref string) (companyRef, error) {
	co, err := resolveCompany(ctx, s, ref)
	if err == nil {
		return companyRef{CompanyID: co.ID}, nil
	}
	if !errors.Is(err, ErrCompanyNotFound) {
		return companyRef{}, err
	}
	ref = strings.TrimSpace(ref)
	o, err := s.GetOffer(ctx, OfferID(ref))
	if errors.Is(err, ErrOfferNotFound) {
		o, err = s.GetOfferBySlug(ctx, strings.ToLower(ref))
	}
	if errors.Is(err, ErrOfferNotFound) {
		return companyRef{}, ErrCompanyNotFound
	}
	if err != nil {
		return companyRef{}, err
	}
	return companyRef{CompanyID: o.CompanyID, OfferID: o.ID}, nil
}

func resolveCompany(ctx context.Context, s Store, ref string) (Company, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Company{}, invalid("company", "required")
	}
	co, err := s.GetCompany(ctx, CompanyID(ref))
	if errors.Is(err, ErrCompanyNotFound) {
		return s.GetCompanyBySlug(ctx, strings.ToLower(ref))
	}
	return co, err
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", invalid("email", "required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", invalid("email", "malformed address")
	}
	return email, nil
}
