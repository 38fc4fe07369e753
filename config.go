package main

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

const (
	defaultRemoteRoot    = "rsync://ftp.ncbi.nlm.nih.gov/genomes/"
	defaultArchivePrefix = "ftp://ftp.ncbi.nlm.nih.gov/genomes/"
	defaultLocalRoot     = "/vol/biodb/ncbi_genomes/"
	defaultStagingRoot   = "/tmp/ncbi_genomes/"
	defaultIndexSubtree  = "ASSEMBLY_REPORTS"
	defaultBulkSubtree   = "all"
	defaultSummaryPrefix = "assembly_summary"
	defaultFilterFile    = "rsync.list"
	defaultAddressField  = 19
	defaultProgressEvery = 10000
	defaultRsyncPath     = "rsync"
)

// Config holds the deployment settings of a sync run.
type Config struct {
	RemoteRoot      string        `mapstructure:"remote_root"`
	ArchivePrefix   string        `mapstructure:"archive_prefix"`
	LocalRoot       string        `mapstructure:"local_root"`
	StagingRoot     string        `mapstructure:"staging_root"`
	IndexSubtree    string        `mapstructure:"index_subtree"`
	BulkSubtree     string        `mapstructure:"bulk_subtree"`
	SummaryPrefix   string        `mapstructure:"summary_prefix"`
	FilterFile      string        `mapstructure:"filter_file"`
	AddressField    int           `mapstructure:"address_field"`
	ProgressEvery   int           `mapstructure:"progress_every"`
	TransferTimeout time.Duration `mapstructure:"transfer_timeout"`
	RsyncPath       string        `mapstructure:"rsync_path"`
	StrictAddresses bool          `mapstructure:"strict_addresses"`

	remote *url.URL
}

func DefaultConfig() *Config {
	return &Config{
		RemoteRoot:    defaultRemoteRoot,
		ArchivePrefix: defaultArchivePrefix,
		LocalRoot:     defaultLocalRoot,
		StagingRoot:   defaultStagingRoot,
		IndexSubtree:  defaultIndexSubtree,
		BulkSubtree:   defaultBulkSubtree,
		SummaryPrefix: defaultSummaryPrefix,
		FilterFile:    defaultFilterFile,
		AddressField:  defaultAddressField,
		ProgressEvery: defaultProgressEvery,
		RsyncPath:     defaultRsyncPath,
	}
}

// Validate checks the settings, resolves local paths and parses the remote root.
func (c *Config) Validate() error {
	if c.RemoteRoot == "" {
		return errors.New("remote root is required")
	}
	if c.LocalRoot == "" {
		return errors.New("local root is required")
	}
	if c.StagingRoot == "" {
		return errors.New("staging root is required")
	}
	if c.IndexSubtree == "" || c.BulkSubtree == "" {
		return errors.New("index and bulk subtree names are required")
	}
	if strings.ContainsAny(c.FilterFile, `/\`) || c.FilterFile == "" {
		return fmt.Errorf("filter file must be a plain file name, got %q", c.FilterFile)
	}
	if c.AddressField < 0 {
		return fmt.Errorf("address field must not be negative, got %d", c.AddressField)
	}
	if c.ProgressEvery <= 0 {
		return fmt.Errorf("progress interval must be positive, got %d", c.ProgressEvery)
	}
	if c.TransferTimeout < 0 {
		return fmt.Errorf("transfer timeout must not be negative, got %s", c.TransferTimeout)
	}

	u, err := url.Parse(c.RemoteRoot)
	if err != nil {
		return fmt.Errorf("invalid remote root: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("remote root must be an absolute URL, got %q", c.RemoteRoot)
	}
	c.remote = u

	if c.LocalRoot, err = filepath.Abs(c.LocalRoot); err != nil {
		return fmt.Errorf("invalid local root: %w", err)
	}
	if c.StagingRoot, err = filepath.Abs(c.StagingRoot); err != nil {
		return fmt.Errorf("invalid staging root: %w", err)
	}

	return nil
}

// Remote returns the parsed remote root. Validate must have been called.
func (c *Config) Remote() *url.URL {
	return c.remote
}

// EnsureStaging creates the staging root if it is absent.
func (c *Config) EnsureStaging(fs afero.Fs) error {
	if err := fs.MkdirAll(c.StagingRoot, 0755); err != nil {
		return fmt.Errorf("failed to create staging root: %w", err)
	}
	return nil
}

func (c *Config) IndexDir() string {
	return filepath.Join(c.StagingRoot, c.IndexSubtree)
}

func (c *Config) FilterPath() string {
	return filepath.Join(c.StagingRoot, c.FilterFile)
}
