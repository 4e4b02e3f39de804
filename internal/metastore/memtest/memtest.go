// Package memtest is an in-memory metastore.Gateway double, grounded on
// the teacher's own swappable-storage-backend pattern
// (pkg/storage/driver, reached through Configuration.Releases in
// pkg/action/action.go) and used by every other package's tests that
// need a metadata store without a Postgres instance.
package memtest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"pushd.sh/pushd/internal/apperr"
	"pushd.sh/pushd/internal/metastore"
	"pushd.sh/pushd/internal/model"
)

// Gateway is an in-memory metastore.Gateway.
type Gateway struct {
	mu sync.Mutex

	accounts     map[string]*model.Account
	accountsByEmail map[string]string // email -> accountID

	apps        map[string]*model.App
	deployments map[string]*model.Deployment
	deploymentsByKey map[string]string // key -> deploymentID
	accessKeys  map[string]*model.AccessKey // accountID+"/"+name -> key

	history map[string][]model.Package // deploymentID -> history

	nextID int
}

var _ metastore.Gateway = (*Gateway)(nil)

// New returns an empty in-memory gateway.
func New() *Gateway {
	return &Gateway{
		accounts:         map[string]*model.Account{},
		accountsByEmail:  map[string]string{},
		apps:             map[string]*model.App{},
		deployments:      map[string]*model.Deployment{},
		deploymentsByKey: map[string]string{},
		accessKeys:       map[string]*model.AccessKey{},
		history:          map[string][]model.Package{},
	}
}

// HealthCheck always succeeds; the in-memory gateway has no connection
// to lose.
func (g *Gateway) HealthCheck(ctx context.Context) error {
	return nil
}

func (g *Gateway) genID(prefix string) string {
	g.nextID++
	return prefix + "-" + itoa(g.nextID)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

// SeedAccount registers an account directly, for test setup.
func (g *Gateway) SeedAccount(acct *model.Account) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accounts[acct.ID] = acct
	g.accountsByEmail[acct.Email] = acct.ID
}

func (g *Gateway) GetAccount(_ context.Context, accountID string) (*model.Account, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	acct, ok := g.accounts[accountID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "no such account %q", accountID)
	}
	cp := *acct
	return &cp, nil
}

func (g *Gateway) GetAccountByEmail(_ context.Context, email string) (*model.Account, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.accountsByEmail[email]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "no account with email %q", email)
	}
	cp := *g.accounts[id]
	return &cp, nil
}

// ResolveApp implements spec §4.A: bare name or "owner-email:name",
// disambiguated by walking the collaborator map.
func (g *Gateway) ResolveApp(_ context.Context, accountID, name string) (*model.App, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ownerEmail, bareName := "", name
	if idx := strings.Index(name, ":"); idx >= 0 {
		ownerEmail, bareName = name[:idx], name[idx+1:]
	}

	var matches []*model.App
	for _, app := range g.apps {
		if app.Name != bareName {
			continue
		}
		if _, isCollaborator := app.Collaborators[accountEmailOf(g, accountID)]; !isCollaborator {
			continue
		}
		if ownerEmail != "" {
			if !hasOwnerEmail(app, ownerEmail) {
				continue
			}
		}
		matches = append(matches, app)
	}

	switch len(matches) {
	case 1:
		cp := *matches[0]
		return &cp, nil
	case 0:
		return nil, apperr.New(apperr.NotFound, "no app named %q", name)
	default:
		return nil, apperr.New(apperr.Conflict, "ambiguous app name %q; qualify with owner-email:name", name)
	}
}

func accountEmailOf(g *Gateway, accountID string) string {
	for email, id := range g.accountsByEmail {
		if id == accountID {
			return email
		}
	}
	return ""
}

func hasOwnerEmail(app *model.App, email string) bool {
	for e, info := range app.Collaborators {
		if e == email && info.Permission == model.Owner {
			return true
		}
	}
	return false
}

func (g *Gateway) CreateApp(_ context.Context, app *model.App) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.apps {
		if existing.Name == app.Name {
			if _, collides := existing.Collaborators[ownerEmailOf(app)]; collides {
				return apperr.New(apperr.AlreadyExists, "app %q already exists for this owner", app.Name)
			}
		}
	}
	if app.ID == "" {
		app.ID = g.genID("app")
	}
	cp := *app
	cp.Collaborators = cloneCollaborators(app.Collaborators)
	g.apps[app.ID] = &cp
	return nil
}

func ownerEmailOf(app *model.App) string {
	for email, info := range app.Collaborators {
		if info.Permission == model.Owner {
			return email
		}
	}
	return ""
}

func cloneCollaborators(m map[string]model.CollaboratorInfo) map[string]model.CollaboratorInfo {
	out := make(map[string]model.CollaboratorInfo, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (g *Gateway) GetApp(_ context.Context, appID string) (*model.App, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	app, ok := g.apps[appID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "no such app %q", appID)
	}
	cp := *app
	cp.Collaborators = cloneCollaborators(app.Collaborators)
	return &cp, nil
}

func (g *Gateway) RenameApp(_ context.Context, appID, newName string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	app, ok := g.apps[appID]
	if !ok {
		return apperr.New(apperr.NotFound, "no such app %q", appID)
	}
	app.Name = newName
	return nil
}

func (g *Gateway) DeleteApp(_ context.Context, appID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.apps[appID]; !ok {
		return apperr.New(apperr.NotFound, "no such app %q", appID)
	}
	delete(g.apps, appID)
	for id, dep := range g.deployments {
		if dep.AppID == appID {
			delete(g.deployments, id)
			delete(g.deploymentsByKey, dep.Key)
			delete(g.history, id)
		}
	}
	return nil
}

func (g *Gateway) TransferApp(_ context.Context, appID, newOwnerAccountID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	app, ok := g.apps[appID]
	if !ok {
		return apperr.New(apperr.NotFound, "no such app %q", appID)
	}
	newOwnerEmail := accountEmailOf(g, newOwnerAccountID)
	if newOwnerEmail == "" {
		return apperr.New(apperr.NotFound, "no such account %q", newOwnerAccountID)
	}
	info, ok := app.Collaborators[newOwnerEmail]
	if !ok {
		return apperr.New(apperr.NotFound, "%q is not a collaborator on app %q", newOwnerEmail, appID)
	}
	for email, i := range app.Collaborators {
		if i.Permission == model.Owner {
			i.Permission = model.Collaborator
			app.Collaborators[email] = i
		}
	}
	info.Permission = model.Owner
	app.Collaborators[newOwnerEmail] = info
	return nil
}

func (g *Gateway) AddCollaborator(_ context.Context, appID, email, accountID string, perm model.Permission) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	app, ok := g.apps[appID]
	if !ok {
		return apperr.New(apperr.NotFound, "no such app %q", appID)
	}
	if _, exists := app.Collaborators[email]; exists {
		return apperr.New(apperr.AlreadyExists, "%q is already a collaborator", email)
	}
	app.Collaborators[email] = model.CollaboratorInfo{AccountID: accountID, Permission: perm}
	return nil
}

func (g *Gateway) RemoveCollaborator(_ context.Context, appID, email string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	app, ok := g.apps[appID]
	if !ok {
		return apperr.New(apperr.NotFound, "no such app %q", appID)
	}
	info, exists := app.Collaborators[email]
	if !exists {
		return apperr.New(apperr.NotFound, "%q is not a collaborator", email)
	}
	if info.Permission == model.Owner {
		return apperr.New(apperr.Invalid, "cannot remove the owner; transfer ownership first")
	}
	delete(app.Collaborators, email)
	return nil
}

func (g *Gateway) ListApps(_ context.Context, accountID string) ([]model.App, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	email := accountEmailOf(g, accountID)
	var out []model.App
	for _, app := range g.apps {
		if _, ok := app.Collaborators[email]; ok {
			cp := *app
			cp.Collaborators = cloneCollaborators(app.Collaborators)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (g *Gateway) ResolveDeployment(_ context.Context, appID, name string) (*model.Deployment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, dep := range g.deployments {
		if dep.AppID == appID && dep.Name == name {
			cp := *dep
			return &cp, nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "no deployment named %q", name)
}

func (g *Gateway) CreateDeployment(_ context.Context, dep *model.Deployment) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.deployments {
		if existing.AppID == dep.AppID && existing.Name == dep.Name {
			return apperr.New(apperr.AlreadyExists, "deployment %q already exists", dep.Name)
		}
		if existing.Key == dep.Key {
			return apperr.New(apperr.AlreadyExists, "deployment key collision")
		}
	}
	if dep.ID == "" {
		dep.ID = g.genID("dep")
	}
	cp := *dep
	g.deployments[dep.ID] = &cp
	g.deploymentsByKey[dep.Key] = dep.ID
	g.history[dep.ID] = nil
	return nil
}

func (g *Gateway) GetDeployment(_ context.Context, deploymentID string) (*model.Deployment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	dep, ok := g.deployments[deploymentID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "no such deployment %q", deploymentID)
	}
	cp := *dep
	return &cp, nil
}

func (g *Gateway) RenameDeployment(_ context.Context, deploymentID, newName string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	dep, ok := g.deployments[deploymentID]
	if !ok {
		return apperr.New(apperr.NotFound, "no such deployment %q", deploymentID)
	}
	dep.Name = newName
	return nil
}

func (g *Gateway) DeleteDeployment(_ context.Context, deploymentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	dep, ok := g.deployments[deploymentID]
	if !ok {
		return apperr.New(apperr.NotFound, "no such deployment %q", deploymentID)
	}
	delete(g.deployments, deploymentID)
	delete(g.deploymentsByKey, dep.Key)
	delete(g.history, deploymentID)
	return nil
}

func (g *Gateway) ListDeployments(_ context.Context, appID string) ([]model.Deployment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []model.Deployment
	for _, dep := range g.deployments {
		if dep.AppID == appID {
			out = append(out, *dep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (g *Gateway) GetDeploymentInfo(_ context.Context, deploymentKey string) (*model.DeploymentInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.deploymentsByKey[deploymentKey]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "no deployment for key")
	}
	dep := g.deployments[id]
	return &model.DeploymentInfo{AppID: dep.AppID, DeploymentID: dep.ID}, nil
}

func accessKeyIndex(accountID, name string) string { return accountID + "/" + name }

func (g *Gateway) ResolveAccessKey(_ context.Context, accountID, name string) (*model.AccessKey, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key, ok := g.accessKeys[accessKeyIndex(accountID, name)]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "no access key named %q", name)
	}
	cp := *key
	return &cp, nil
}

func (g *Gateway) CreateAccessKey(_ context.Context, key *model.AccessKey) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := accessKeyIndex(key.AccountID, key.Name)
	if _, exists := g.accessKeys[idx]; exists {
		return apperr.New(apperr.AlreadyExists, "access key %q already exists", key.Name)
	}
	cp := *key
	g.accessKeys[idx] = &cp
	return nil
}

func (g *Gateway) DeleteAccessKey(_ context.Context, accountID, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := accessKeyIndex(accountID, name)
	if _, exists := g.accessKeys[idx]; !exists {
		return apperr.New(apperr.NotFound, "no access key named %q", name)
	}
	delete(g.accessKeys, idx)
	return nil
}

func (g *Gateway) ListAccessKeys(_ context.Context, accountID string) ([]model.AccessKey, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []model.AccessKey
	for idx, key := range g.accessKeys {
		if strings.HasPrefix(idx, accountID+"/") {
			out = append(out, *key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (g *Gateway) GetPackageHistory(_ context.Context, deploymentID string) ([]model.Package, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	hist, ok := g.history[deploymentID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "no such deployment %q", deploymentID)
	}
	return append([]model.Package{}, hist...), nil
}

func (g *Gateway) UpdatePackageHistory(_ context.Context, deploymentID string, history []model.Package) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.history[deploymentID]; !ok {
		return apperr.New(apperr.NotFound, "no such deployment %q", deploymentID)
	}
	g.history[deploymentID] = append([]model.Package{}, history...)
	return nil
}

func (g *Gateway) ClearPackageHistory(_ context.Context, deploymentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.history[deploymentID]; !ok {
		return apperr.New(apperr.NotFound, "no such deployment %q", deploymentID)
	}
	g.history[deploymentID] = nil
	return nil
}

func (g *Gateway) CommitPackage(_ context.Context, deploymentID string, pkg model.Package) (model.Package, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	hist, ok := g.history[deploymentID]
	if !ok {
		return model.Package{}, apperr.New(apperr.NotFound, "no such deployment %q", deploymentID)
	}

	updated, err := metastore.PrepareCommit(hist, pkg)
	if err != nil {
		return model.Package{}, err
	}
	g.history[deploymentID] = updated

	committed := updated[len(updated)-1]
	if dep, ok := g.deployments[deploymentID]; ok {
		seq := committed.Seq
		dep.CurrentPackageSeq = &seq
	}
	return committed, nil
}
