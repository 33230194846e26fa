package marketplace

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/sudo-init-do/strathshare/internal/db"
)

// GetSkills returns the skill catalogue
func GetSkills(c echo.Context) error {
	rows, err := db.Conn.Query(c.Request().Context(),
		`SELECT id, name, category FROM skills ORDER BY category, name`)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"success": false, "message": "could not fetch skills"})
	}
	skills, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Skill])
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"success": false, "message": "failed to parse skill record"})
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "skills": skills})
}

// CreateListing allows a student to offer a skill on the marketplace
func CreateListing(c echo.Context) error {
	uid, ok := c.Get("user_id").(string)
	if !ok || uid == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"success": false, "error": "unauthorized"})
	}

	var req struct {
		SkillID     string          `json:"skill_id" validate:"required"`
		Title       string          `json:"title" validate:"required"`
		Description string          `json:"description" validate:"required"`
		Price       decimal.Decimal `json:"price"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "message": "invalid request"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "message": err.Error()})
	}

	title := strings.TrimSpace(req.Title)
	desc := strings.TrimSpace(req.Description)
	if n := utf8.RuneCountInString(title); n < 5 || n > 100 {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "message": "Title must be between 5 and 100 characters"})
	}
	if utf8.RuneCountInString(desc) < 20 {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "message": "Description must be at least 20 characters"})
	}
	if req.Price.IsNegative() {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "message": "Price cannot be negative"})
	}

	ctx := c.Request().Context()

	var status string
	if err := db.Conn.QueryRow(ctx, `SELECT account_status FROM users WHERE id = $1`, uid).Scan(&status); err != nil || status != AccountActive {
		return c.JSON(http.StatusForbidden, echo.Map{"success": false, "message": "Your account is not active"})
	}

	var exists bool
	if _, err := uuid.Parse(req.SkillID); err == nil {
		_ = db.Conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM skills WHERE id = $1)`, req.SkillID).Scan(&exists)
	}
	if !exists {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "message": "Invalid skill"})
	}

	listingID := uuid.New().String()
	_, err := db.Conn.Exec(ctx,
		`INSERT INTO listings (id, provider_id, skill_id, title, description, price, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 'active', $7)`,
		listingID, uid, req.SkillID, title, desc, req.Price, time.Now(),
	)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"success": false, "message": "could not create listing"})
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"success":    true,
		"listing_id": listingID,
		"message":    "Listing created successfully",
	})
}

// GetListings returns active listings visible in the marketplace
func GetListings(c echo.Context) error {
	q := c.QueryParam("q")
	skillID := c.QueryParam("skill_id")
	minPrice := c.QueryParam("min_price")
	maxPrice := c.QueryParam("max_price")
	ratingMin := c.QueryParam("rating_min")
	sort := c.QueryParam("sort")
	limit := 20
	offset := 0
	if l := c.QueryParam("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 100 {
			limit = v
		}
	}
	if o := c.QueryParam("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil && v >= 0 {
			offset = v
		}
	}

	var p params
	where := []string{"l.status = 'active'", "u.account_status = 'active'"}
	if q != "" {
		like := p.add("%" + q + "%")
		where = append(where, "(l.title ILIKE "+like+" OR l.description ILIKE "+like+")")
	}
	if skillID != "" {
		if _, err := uuid.Parse(skillID); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "message": "invalid skill_id"})
		}
		where = append(where, "l.skill_id = "+p.add(skillID))
	}
	for _, f := range []struct{ raw, cond string }{
		{minPrice, "l.price >= "},
		{maxPrice, "l.price <= "},
		{ratingMin, "u.average_rating >= "},
	} {
		if f.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "message": "invalid numeric filter"})
		}
		where = append(where, f.cond+p.add(v))
	}

	query := `SELECT l.id, l.provider_id, l.skill_id, l.title, l.description, l.price, l.status, l.created_at,
	                 s.name, TRIM(u.first_name || ' ' || u.last_name), u.average_rating
	          FROM listings l
	          JOIN users u ON u.id = l.provider_id
	          JOIN skills s ON s.id = l.skill_id
	          WHERE ` + strings.Join(where, " AND ") + ` ORDER BY `
	switch sort {
	case "price_asc":
		query += "l.price ASC"
	case "price_desc":
		query += "l.price DESC"
	case "rating_desc":
		query += "u.average_rating DESC, u.total_reviews DESC"
	case "oldest":
		query += "l.created_at ASC"
	default:
		query += "l.created_at DESC"
	}
	query += " LIMIT " + p.add(limit) + " OFFSET " + p.add(offset)

	rows, err := db.Conn.Query(c.Request().Context(), query, p...)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"success": false, "message": "could not fetch listings"})
	}
	defer rows.Close()

	listings := []ListingSummary{}
	for rows.Next() {
		var s ListingSummary
		if err := rows.Scan(&s.ID, &s.ProviderID, &s.SkillID, &s.Title, &s.Description, &s.Price, &s.Status, &s.CreatedAt,
			&s.SkillName, &s.ProviderName, &s.ProviderRating); err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"success": false, "message": "failed to parse listing record"})
		}
		listings = append(listings, s)
	}

	return c.JSON(http.StatusOK, echo.Map{"success": true, "listings": listings})
}

// GetListing returns one listing with its provider's rating and recent reviews
func (h *Handler) GetListing(c echo.Context) error {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"success": false, "message": "Listing not found", "error": "not_found"})
	}
	l, reviews, err := h.engine.Listing(c.Request().Context(), id)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "listing": l, "reviews": reviews})
}

// GetMyListings returns all listings created by the authenticated user
func GetMyListings(c echo.Context) error {
	uid, ok := c.Get("user_id").(string)
	if !ok || uid == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"success": false, "error": "unauthorized"})
	}

	rows, err := db.Conn.Query(c.Request().Context(),
		`SELECT id, provider_id, skill_id, title, description, price, status, created_at
		 FROM listings WHERE provider_id = $1 AND status <> 'deleted' ORDER BY created_at DESC`,
		uid,
	)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"success": false, "message": "could not fetch listings"})
	}
	listings, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Listing])
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"success": false, "message": "failed to parse listing record"})
	}

	return c.JSON(http.StatusOK, echo.Map{"success": true, "listings": listings})
}

func listingOwner(ctx context.Context, listingID string) (string, error) {
	var owner string
	err := db.Conn.QueryRow(ctx, `SELECT provider_id FROM listings WHERE id = $1`, listingID).Scan(&owner)
	return owner, notFound(err)
}

// UpdateListingStatus pauses, resumes or deletes one of the caller's listings
func UpdateListingStatus(c echo.Context) error {
	uid, ok := c.Get("user_id").(string)
	if !ok || uid == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"success": false, "error": "unauthorized"})
	}
	var req struct {
		Status string `json:"status" validate:"required,oneof=active paused deleted"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "message": "invalid request"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "message": err.Error()})
	}

	id := c.Param("id")
	owner, err := listingOwner(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"success": false, "message": "listing not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"success": false, "message": "failed to fetch listing"})
	}
	if owner != uid {
		return c.JSON(http.StatusForbidden, echo.Map{"success": false, "message": "not your listing"})
	}

	if _, err := db.Conn.Exec(c.Request().Context(),
		`UPDATE listings SET status = $1 WHERE id = $2`, req.Status, id); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"success": false, "message": "could not update listing"})
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "message": "Listing updated", "status": req.Status})
}
