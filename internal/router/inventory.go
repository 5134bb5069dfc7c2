package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sysmanage/sysmanage-server/internal/agents"
	"github.com/sysmanage/sysmanage-server/internal/db"
	"github.com/sysmanage/sysmanage-server/internal/protocol"
)

// Inventory handlers replace whole child tables per report. Rows an agent
// flags with a collection error are skipped rather than stored; legacy
// agents that send opaque JSON blobs instead of normalized lists get those
// blobs decoded through the same row types.

func (r *Router) handleHardwareUpdate(ctx context.Context, sess *agents.Session, env *protocol.Envelope) error {
	host, err := r.boundHost(ctx, sess)
	if err != nil {
		return err
	}
	var data protocol.HardwareUpdateData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return fmt.Errorf("decoding hardware_update: %w", err)
	}

	deviceRows := data.StorageDevices
	if len(deviceRows) == 0 && data.StorageDetails != "" {
		if err := json.Unmarshal([]byte(data.StorageDetails), &deviceRows); err != nil {
			r.log.Warn("unparseable legacy storage blob", "host_id", host.ID, "error", err)
		}
	}
	devices := make([]db.StorageDevice, 0, len(deviceRows))
	for _, d := range deviceRows {
		if d.Error != "" || d.Name == "" {
			continue
		}
		row := db.StorageDevice{Name: d.Name, IsPhysical: d.IsPhysical}
		if d.MountPoint != "" {
			row.MountPoint = &d.MountPoint
		}
		if d.Filesystem != "" {
			row.Filesystem = &d.Filesystem
		}
		if d.CapacityBytes > 0 {
			row.CapacityBytes = &d.CapacityBytes
		}
		if d.UsedBytes > 0 {
			row.UsedBytes = &d.UsedBytes
		}
		if d.AvailableBytes > 0 {
			row.AvailableBytes = &d.AvailableBytes
		}
		devices = append(devices, row)
	}
	if err := r.db.ReplaceStorageDevices(ctx, host.ID, devices); err != nil {
		return err
	}

	ifaceRows := data.NetworkInterfaces
	if len(ifaceRows) == 0 && data.NetworkDetails != "" {
		if err := json.Unmarshal([]byte(data.NetworkDetails), &ifaceRows); err != nil {
			r.log.Warn("unparseable legacy network blob", "host_id", host.ID, "error", err)
		}
	}
	ifaces := make([]db.NetworkInterface, 0, len(ifaceRows))
	for _, n := range ifaceRows {
		if n.Error != "" || n.Name == "" {
			continue
		}
		row := db.NetworkInterface{Name: n.Name, IsActive: n.Active}
		if n.Type != "" {
			row.InterfaceType = &n.Type
		}
		if n.MAC != "" {
			row.MACAddress = &n.MAC
		}
		if n.IPv4 != "" {
			row.IPv4 = &n.IPv4
		}
		if n.IPv6 != "" {
			row.IPv6 = &n.IPv6
		}
		if n.SpeedMbps > 0 {
			row.SpeedMbps = &n.SpeedMbps
		}
		ifaces = append(ifaces, row)
	}
	if err := r.db.ReplaceNetworkInterfaces(ctx, host.ID, ifaces); err != nil {
		return err
	}

	r.log.Info("hardware inventory replaced",
		"host_id", host.ID, "storage_devices", len(devices), "network_interfaces", len(ifaces))
	return nil
}

func (r *Router) handleUserAccessUpdate(ctx context.Context, sess *agents.Session, env *protocol.Envelope) error {
	host, err := r.boundHost(ctx, sess)
	if err != nil {
		return err
	}
	var data protocol.UserAccessUpdateData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return fmt.Errorf("decoding user_access_update: %w", err)
	}
	if len(data.Users) == 0 && len(data.Groups) == 0 && data.AccessDetails != "" {
		var legacy protocol.UserAccessUpdateData
		if err := json.Unmarshal([]byte(data.AccessDetails), &legacy); err != nil {
			r.log.Warn("unparseable legacy access blob", "host_id", host.ID, "error", err)
		} else {
			data.Users, data.Groups = legacy.Users, legacy.Groups
		}
	}

	users := make([]db.UserAccount, 0, len(data.Users))
	memberships := make(map[string][]string)
	for _, u := range data.Users {
		if u.Error != "" || u.Username == "" {
			continue
		}
		row := db.UserAccount{Username: u.Username, UID: u.UID, IsSystemUser: u.IsSystem}
		if u.HomeDir != "" {
			row.HomeDirectory = &u.HomeDir
		}
		if u.Shell != "" {
			row.Shell = &u.Shell
		}
		users = append(users, row)
		if len(u.Groups) > 0 {
			memberships[u.Username] = u.Groups
		}
	}
	groups := make([]db.UserGroup, 0, len(data.Groups))
	for _, g := range data.Groups {
		if g.Error != "" || g.GroupName == "" {
			continue
		}
		groups = append(groups, db.UserGroup{GroupName: g.GroupName, GID: g.GID, IsSystemGroup: g.IsSystem})
	}

	if err := r.db.ReplaceUserAccess(ctx, host.ID, users, groups, memberships); err != nil {
		return err
	}
	r.log.Info("user access inventory replaced",
		"host_id", host.ID, "users", len(users), "groups", len(groups))
	return nil
}

func (r *Router) handleSoftwareUpdate(ctx context.Context, sess *agents.Session, env *protocol.Envelope) error {
	host, err := r.boundHost(ctx, sess)
	if err != nil {
		return err
	}
	var data protocol.SoftwareUpdateData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return fmt.Errorf("decoding software_update: %w", err)
	}
	pkgRows := data.Packages
	if len(pkgRows) == 0 && data.SoftwareDetails != "" {
		if err := json.Unmarshal([]byte(data.SoftwareDetails), &pkgRows); err != nil {
			r.log.Warn("unparseable legacy software blob", "host_id", host.ID, "error", err)
		}
	}

	pkgs := make([]db.SoftwarePackage, 0, len(pkgRows))
	for _, p := range pkgRows {
		if p.Error != "" || p.Name == "" {
			continue
		}
		row := db.SoftwarePackage{PackageName: p.Name}
		if p.Version != "" {
			row.Version = &p.Version
		}
		if p.Manager != "" {
			row.PackageManager = &p.Manager
		}
		if p.BundleID != "" {
			row.BundleID = &p.BundleID
		}
		pkgs = append(pkgs, row)
	}
	if err := r.db.ReplaceSoftwarePackages(ctx, host.ID, pkgs); err != nil {
		return err
	}
	r.log.Info("software inventory replaced", "host_id", host.ID, "packages", len(pkgs))
	return nil
}

func (r *Router) handlePackageUpdates(ctx context.Context, sess *agents.Session, env *protocol.Envelope) error {
	host, err := r.boundHost(ctx, sess)
	if err != nil {
		return err
	}
	var data protocol.PackageUpdatesData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return fmt.Errorf("decoding package_updates_update: %w", err)
	}

	updates := make([]db.PackageUpdate, 0, len(data.AvailableUpdates))
	for _, u := range data.AvailableUpdates {
		if u.Error != "" || u.Name == "" {
			continue
		}
		row := db.PackageUpdate{
			PackageName:      u.Name,
			IsSecurityUpdate: u.IsSecurityUpdate,
			IsSystemUpdate:   u.IsSystemUpdate,
		}
		if u.CurrentVersion != "" {
			row.CurrentVersion = &u.CurrentVersion
		}
		if u.AvailableVersion != "" {
			row.AvailableVersion = &u.AvailableVersion
		}
		if u.Manager != "" {
			row.PackageManager = &u.Manager
		}
		if u.SizeBytes > 0 {
			row.UpdateSizeBytes = &u.SizeBytes
		}
		updates = append(updates, row)
	}
	if err := r.db.ReplacePackageUpdates(ctx, host.ID, updates); err != nil {
		return err
	}
	r.log.Info("package updates replaced", "host_id", host.ID, "available", len(updates))
	return nil
}

func (r *Router) handleUbuntuProUpdate(ctx context.Context, sess *agents.Session, env *protocol.Envelope) error {
	host, err := r.boundHost(ctx, sess)
	if err != nil {
		return err
	}
	var data protocol.UbuntuProUpdateData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return fmt.Errorf("decoding ubuntu_pro_update: %w", err)
	}

	info := db.UbuntuProInfo{Attached: data.Attached}
	if data.Version != "" {
		info.Version = &data.Version
	}
	if data.Expires != "" {
		info.Expires = &data.Expires
	}
	if data.AccountName != "" {
		info.AccountName = &data.AccountName
	}
	if data.ContractName != "" {
		info.ContractName = &data.ContractName
	}
	if data.TechSupportLevel != "" {
		info.TechSupportLevel = &data.TechSupportLevel
	}
	services := make([]db.UbuntuProService, 0, len(data.Services))
	for _, s := range data.Services {
		if s.Name == "" {
			continue
		}
		row := db.UbuntuProService{Name: s.Name, Entitled: s.Entitled}
		if s.Status != "" {
			row.Status = &s.Status
		}
		if s.Description != "" {
			row.Description = &s.Description
		}
		services = append(services, row)
	}
	return r.db.ReplaceUbuntuProInfo(ctx, host.ID, info, services)
}
