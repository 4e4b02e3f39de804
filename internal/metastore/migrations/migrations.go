// Package migrations holds the rubenv/sql-migrate migration set for the
// Postgres metadata store: accounts, apps, app_collaborators,
// deployments, access_keys, and packages.
package migrations

import (
	migrate "github.com/rubenv/sql-migrate"
)

// Source returns the in-binary migration source, suitable for
// migrate.Exec against any *sql.DB opened with "postgres".
func Source() migrate.MigrationSource {
	return migrate.MemoryMigrationSource{Migrations: all}
}

var all = []*migrate.Migration{
	{
		Id: "0001_accounts_and_apps",
		Up: []string{
			`CREATE TABLE accounts (
				id text PRIMARY KEY,
				email text NOT NULL UNIQUE,
				name text NOT NULL,
				created_time timestamptz NOT NULL DEFAULT now()
			)`,
			`CREATE TABLE apps (
				id text PRIMARY KEY,
				name text NOT NULL,
				created_time timestamptz NOT NULL DEFAULT now()
			)`,
			`CREATE TABLE app_collaborators (
				app_id text NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
				email text NOT NULL,
				account_id text NOT NULL REFERENCES accounts(id),
				permission text NOT NULL,
				PRIMARY KEY (app_id, email)
			)`,
			`CREATE UNIQUE INDEX apps_owner_name_idx ON app_collaborators (app_id, email) WHERE permission = 'Owner'`,
		},
		Down: []string{
			`DROP TABLE app_collaborators`,
			`DROP TABLE apps`,
			`DROP TABLE accounts`,
		},
	},
	{
		Id: "0002_deployments_and_packages",
		Up: []string{
			`CREATE TABLE deployments (
				id text PRIMARY KEY,
				app_id text NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
				name text NOT NULL,
				key text NOT NULL UNIQUE,
				current_package_seq bigint,
				created_time timestamptz NOT NULL DEFAULT now(),
				UNIQUE (app_id, name)
			)`,
			`CREATE TABLE packages (
				deployment_id text NOT NULL REFERENCES deployments(id) ON DELETE CASCADE,
				seq bigint NOT NULL,
				label text NOT NULL,
				app_version text NOT NULL,
				blob_url text NOT NULL,
				size bigint NOT NULL,
				package_hash text NOT NULL,
				manifest_blob_url text,
				is_disabled boolean NOT NULL DEFAULT false,
				is_mandatory boolean NOT NULL DEFAULT false,
				rollout int,
				release_method text NOT NULL,
				original_label text,
				original_deployment text,
				description text,
				upload_time timestamptz NOT NULL DEFAULT now(),
				released_by text NOT NULL,
				PRIMARY KEY (deployment_id, seq)
			)`,
			`CREATE TABLE package_diffs (
				deployment_id text NOT NULL,
				package_seq bigint NOT NULL,
				from_package_hash text NOT NULL,
				size bigint NOT NULL,
				blob_url text NOT NULL,
				PRIMARY KEY (deployment_id, package_seq, from_package_hash),
				FOREIGN KEY (deployment_id, package_seq) REFERENCES packages(deployment_id, seq) ON DELETE CASCADE
			)`,
		},
		Down: []string{
			`DROP TABLE package_diffs`,
			`DROP TABLE packages`,
			`DROP TABLE deployments`,
		},
	},
	{
		Id: "0003_access_keys",
		Up: []string{
			`CREATE TABLE access_keys (
				account_id text NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
				name text NOT NULL,
				key text NOT NULL UNIQUE,
				created_time timestamptz NOT NULL DEFAULT now(),
				expires timestamptz NOT NULL,
				is_session boolean NOT NULL DEFAULT false,
				friendly_name text,
				description text,
				PRIMARY KEY (account_id, name)
			)`,
		},
		Down: []string{
			`DROP TABLE access_keys`,
		},
	},
}
