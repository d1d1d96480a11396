package v1

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

const (
	maxTitleRunes   = 200
	defaultPageSize = 50
	maxPageSize     = 100
)

// pageRequest is the normalized page/pageSize pair from the query
// string. An absent pageSize defaults, an oversized one clamps, but an
// explicit non-positive one is a caller error.
type pageRequest struct {
	Page int
	Size int
}

func parsePageRequest(c echo.Context) (pageRequest, error) {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	size := defaultPageSize
	if raw := c.QueryParam("pageSize"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return pageRequest{}, errors.Errorf("invalid pageSize %q", raw)
		}
		size = parsed
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return pageRequest{Page: page, Size: size}, nil
}

func (p pageRequest) offset() int {
	return (p.Page - 1) * p.Size
}

func (p pageRequest) totalPages(total int64) int {
	pages := int((total + int64(p.Size) - 1) / int64(p.Size))
	if pages < 1 {
		pages = 1
	}
	return pages
}

func parseLimit(c echo.Context) int {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return limit
}

func validateTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", errors.New("title is required")
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		return "", errors.Errorf("title exceeds %d characters", maxTitleRunes)
	}
	return title, nil
}

// setPaginationHeaders writes the count headers and an RFC 5988 Link
// header pointing at the first, last, and adjacent pages.
func setPaginationHeaders(c echo.Context, page pageRequest, total int64) {
	header := c.Response().Header()
	totalPages := page.totalPages(total)

	header.Set("X-Total-Count", strconv.FormatInt(total, 10))
	header.Set("X-Page-Number", strconv.Itoa(page.Page))
	header.Set("X-Page-Size", strconv.Itoa(page.Size))
	header.Set("X-Total-Pages", strconv.Itoa(totalPages))

	links := []string{
		pageLink(c, 1, page.Size, "first"),
		pageLink(c, totalPages, page.Size, "last"),
	}
	if page.Page > 1 {
		links = append(links, pageLink(c, page.Page-1, page.Size, "prev"))
	}
	if page.Page < totalPages {
		links = append(links, pageLink(c, page.Page+1, page.Size, "next"))
	}
	header.Set("Link", strings.Join(links, ", "))
}

func pageLink(c echo.Context, page, size int, rel string) string {
	query := url.Values{}
	for key, values := range c.QueryParams() {
		for _, v := range values {
			query.Add(key, v)
		}
	}
	query.Set("page", strconv.Itoa(page))
	query.Set("pageSize", strconv.Itoa(size))
	return fmt.Sprintf("<%s?%s>; rel=%q", c.Request().URL.Path, query.Encode(), rel)
}
