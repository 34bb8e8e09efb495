package cache

import (
	"context"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/klog/v2"
)

// ListPageFunc fetches one page of a list, typically built inline by
// Reflector.list closing over a ListWatcher.
type ListPageFunc func(ctx context.Context, opts ListOptions) (*ListPage, error)

// EachPageFunc is invoked once per fetched page when ListPager.EachPage
// is set, in place of appending the page's items to the aggregate result.
// A Reflector may use this to add each page's items to the Store
// directly instead of waiting for the full list to buffer.
type EachPageFunc func(page *ListPage) error

// defaultPageSize is used when a Reflector's page-size heuristic wants
// paging left at its ordinary setting, matching the 500-item default
// client-go's own pager falls back to.
const defaultPageSize int64 = 500

// ListPager lists from PageFn in pages of at most PageSize items,
// falling back to a single unpaginated list when the server reports a
// continuation token as expired.
type ListPager struct {
	PageFn   ListPageFunc
	PageSize int64
	EachPage EachPageFunc

	// FullListIfExpired controls whether a continuation-expired error
	// triggers a full, unpaginated retry. Defaults to true if unset via
	// NewListPager; exposed here for tests that want to observe the
	// error surface directly.
	FullListIfExpired bool
}

// NewListPager builds a ListPager with FullListIfExpired enabled.
func NewListPager(pageSize int64, pageFn ListPageFunc) *ListPager {
	return &ListPager{
		PageFn:            pageFn,
		PageSize:          pageSize,
		FullListIfExpired: true,
	}
}

// List fetches every page starting at opts until the server reports no
// further continuation token, returning the concatenated items, the
// resource version of the page list, and whether more than one page was
// actually fetched.
func (p *ListPager) List(ctx context.Context, opts ListOptions) (items []unstructured.Unstructured, resourceVersion string, paginated bool, err error) {
	if p.PageSize != 0 {
		opts.Limit = p.PageSize
	}

	requestedResourceVersion := opts.ResourceVersion
	for {
		page, err := p.PageFn(ctx, opts)
		if err != nil {
			if p.FullListIfExpired && apierrors.IsResourceExpired(err) && opts.Continue != "" {
				klog.V(4).Infof("cache: continuation expired, falling back to a single unpaginated list")
				opts.Limit = 0
				opts.Continue = ""
				opts.ResourceVersion = requestedResourceVersion
				page, err = p.PageFn(ctx, opts)
				if err != nil {
					return nil, "", false, err
				}
				return page.Items, page.ResourceVersion, false, nil
			}
			return nil, "", false, err
		}

		if p.EachPage != nil {
			if err := p.EachPage(page); err != nil {
				return nil, "", false, err
			}
		} else {
			items = append(items, page.Items...)
		}

		if page.Continue == "" {
			return items, page.ResourceVersion, paginated, nil
		}
		paginated = true
		opts.Continue = page.Continue
		opts.ResourceVersion = ""
	}
}
