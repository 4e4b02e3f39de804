// Package model holds the entities of spec §3: accounts, apps,
// deployments, packages, and the values their gateways pass around.
// Nothing here performs I/O; it is the shared vocabulary between
// internal/metastore, internal/resolver, internal/ingest, and the HTTP
// layer.
package model

import "time"

// Permission is a collaborator's role on an App. Exactly one collaborator
// holds Owner at all times (spec §3).
type Permission string

const (
	Owner       Permission = "Owner"
	Collaborator Permission = "Collaborator"
)

// CollaboratorInfo is the value side of an App's email-keyed
// collaborator map.
type CollaboratorInfo struct {
	AccountID  string     `json:"accountId" db:"account_id"`
	Permission Permission `json:"permission" db:"permission"`
}

// App is an application: an identity and a collaborator map with exactly
// one Owner.
type App struct {
	ID            string                      `json:"id" db:"id"`
	Name          string                      `json:"name" db:"name"`
	Collaborators map[string]CollaboratorInfo `json:"collaborators"`
	CreatedTime   time.Time                   `json:"createdTime" db:"created_time"`
}

// Deployment is a named release channel within an App.
type Deployment struct {
	ID                 string    `json:"id" db:"id"`
	AppID              string    `json:"appId" db:"app_id"`
	Name               string    `json:"name" db:"name"`
	Key                string    `json:"key" db:"key"`
	CurrentPackageSeq  *int64    `json:"-" db:"current_package_seq"`
	CreatedTime        time.Time `json:"createdTime" db:"created_time"`
}

// ReleaseMethod records how a Package entered a deployment's history.
type ReleaseMethod string

const (
	ReleaseMethodUpload   ReleaseMethod = "Upload"
	ReleaseMethodPromote  ReleaseMethod = "Promote"
	ReleaseMethodRollback ReleaseMethod = "Rollback"
)

// DiffEntry is one row of a Package's diffPackageMap: the delta blob
// available to a client currently on a given prior packageHash.
type DiffEntry struct {
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// Package is one entry in a deployment's release history (spec §3).
type Package struct {
	// Seq is the gateway's dense, monotonic ordering key within a
	// deployment; Label is the "v<N>" string derived from it. Both are
	// kept because history trimming (invariant 2) operates on Seq while
	// every external contract speaks Label.
	Seq   int64  `json:"-" db:"seq"`
	Label string `json:"label" db:"label"`

	AppVersion      string `json:"appVersion" db:"app_version"`
	BlobURL         string `json:"blobUrl" db:"blob_url"`
	Size            int64  `json:"size" db:"size"`
	PackageHash     string `json:"packageHash" db:"package_hash"`
	ManifestBlobURL string `json:"manifestBlobUrl,omitempty" db:"manifest_blob_url"`

	IsDisabled  bool `json:"isDisabled" db:"is_disabled"`
	IsMandatory bool `json:"isMandatory" db:"is_mandatory"`

	// Rollout is nil for "fully released" (equivalent to 100).
	Rollout *int `json:"rollout,omitempty" db:"rollout"`

	ReleaseMethod      ReleaseMethod `json:"releaseMethod" db:"release_method"`
	OriginalLabel      string        `json:"originalLabel,omitempty" db:"original_label"`
	OriginalDeployment string        `json:"originalDeployment,omitempty" db:"original_deployment"`

	DiffPackageMap map[string]DiffEntry `json:"diffPackageMap,omitempty" db:"-"`

	Description string    `json:"description,omitempty" db:"description"`
	UploadTime  time.Time `json:"uploadTime" db:"upload_time"`
	ReleasedBy  string    `json:"releasedBy" db:"released_by"`
}

// IsUnfinishedRollout reports spec §4.E's predicate.
func (p *Package) IsUnfinishedRollout() bool {
	return p.Rollout != nil && *p.Rollout != 100
}

// Account is the minimal identity record resolveApp's owner-email
// disambiguation needs. Account creation/auth flows are out of scope
// (spec §1); this struct exists only so the metastore schema has
// somewhere to put the emails App.Collaborators keys reference.
type Account struct {
	ID              string    `json:"id" db:"id"`
	Email           string    `json:"email" db:"email"`
	Name            string    `json:"name" db:"name"`
	LinkedProviders []string  `json:"linkedProviders,omitempty" db:"-"`
	CreatedTime     time.Time `json:"createdTime" db:"created_time"`
}

// AccessKey is resolved by name via resolveAccessKey (spec §4.A).
// Issuance/rotation business rules are out of scope (spec §1); this is
// a read/CRUD record only.
type AccessKey struct {
	Name          string     `json:"name" db:"name"`
	Key           string     `json:"-" db:"key"`
	AccountID     string     `json:"createdBy" db:"account_id"`
	CreatedTime   time.Time  `json:"createdTime" db:"created_time"`
	Expires       time.Time  `json:"expires" db:"expires"`
	IsSession     bool       `json:"isSession" db:"is_session"`
	FriendlyName  string     `json:"friendlyName,omitempty" db:"friendly_name"`
	Description   string     `json:"description,omitempty" db:"description"`
}

// DeploymentInfo is the shortcut lookup result of getDeploymentInfo.
type DeploymentInfo struct {
	AppID        string
	DeploymentID string
}

const (
	// MaxHistoryLength is the package-history cap from spec §3 invariant 2.
	MaxHistoryLength = 50

	// LabelPattern documents the label format from spec §6: "v<N>",
	// N starting at 1.
	LabelPattern = `^v[1-9][0-9]*$`

	// DeploymentKeyPattern is spec §6's deployment-key alphabet: 10-100
	// characters drawn from [A-Za-z0-9_-].
	DeploymentKeyPattern = `^[A-Za-z0-9_-]{10,100}$`
)
