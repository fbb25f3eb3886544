package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"github.com/lopxy/lopxy/lopxy-srv/logger"
)

type hclItem struct {
	ResourceURL      string `hcl:"resource_url"`
	ProxyResourceURL string `hcl:"proxy_resource_url"`
	ContentType      string `hcl:"content_type,optional"`
}

type hclFile struct {
	Updated int64     `hcl:"updated,optional"`
	Items   []hclItem `hcl:"proxy_item,block"`
}

// FileStore keeps the registry in an HCL file:
//
//	updated = 1700000000000
//
//	proxy_item {
//	  resource_url       = "http://a.com/f.js"
//	  proxy_resource_url = "file:///tmp/f.js"
//	  content_type       = "application/javascript"
//	}
type FileStore struct {
	path string
}

// NewFileStore returns a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the registry file. A missing file yields an empty table.
func (s *FileStore) Load() ([]ProxyItem, int64, error) {
	src, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("Registry file %s does not exist, starting empty", s.path)
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to read registry file: %w", err)
	}
	return decodeHCL(src, s.path)
}

// Save writes the full table, replacing the file atomically.
func (s *FileStore) Save(items []ProxyItem, updated int64) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create registry dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.hcl")
	if err != nil {
		return fmt.Errorf("failed to create temp registry file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if _, statErr := os.Stat(tmpName); statErr == nil {
			if rmErr := os.Remove(tmpName); rmErr != nil {
				logger.Warn("Failed to remove temp registry file %s: %v", tmpName, rmErr)
			}
		}
	}()

	if _, err := tmp.Write(encodeHCL(items, updated)); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close registry file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace registry file: %w", err)
	}
	return nil
}

func encodeHCL(items []ProxyItem, updated int64) []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()
	body.SetAttributeValue("updated", cty.NumberIntVal(updated))

	for _, item := range items {
		body.AppendNewline()
		block := body.AppendNewBlock("proxy_item", nil)
		b := block.Body()
		b.SetAttributeValue("resource_url", cty.StringVal(item.ResourceURL))
		b.SetAttributeValue("proxy_resource_url", cty.StringVal(item.ProxyResourceURL))
		b.SetAttributeValue("content_type", cty.StringVal(item.ContentType))
	}
	return f.Bytes()
}

func decodeHCL(src []byte, filename string) ([]ProxyItem, int64, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, 0, fmt.Errorf("failed to parse registry file: %s", diags.Error())
	}

	var decoded hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &decoded); diags.HasErrors() {
		return nil, 0, fmt.Errorf("failed to decode registry file: %s", diags.Error())
	}

	items := make([]ProxyItem, 0, len(decoded.Items))
	for _, it := range decoded.Items {
		items = append(items, ProxyItem(it))
	}
	return items, decoded.Updated, nil
}
